// Package conservative implements a step-based governor: the target
// frequency moves gradually by a percent step of the policy maximum in
// either direction, with an optional burst path for sudden load.
package conservative

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor"
	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

const (
	defUpThreshold          = 80
	defUpThresholdBurst     = 95
	defUpThresholdAtLowFreq = 60
	defDownThreshold        = 20
	defFreqUpStep           = 5
	defFreqDownStep         = 10
	defSamplingDownFactor   = 1
)

// Tunables is the full conservative configuration, swapped atomically
// as one set.
type Tunables struct {
	SamplingRate         time.Duration `yaml:"sampling_rate" json:"sampling_rate"`
	SamplingDownFactor   int           `yaml:"sampling_down_factor" json:"sampling_down_factor"`
	UpThreshold          uint          `yaml:"up_threshold" json:"up_threshold"`
	UpThresholdBurst     uint          `yaml:"up_threshold_burst" json:"up_threshold_burst"`
	UpThresholdAtLowFreq uint          `yaml:"up_threshold_at_low_freq" json:"up_threshold_at_low_freq"`
	DownThreshold        uint          `yaml:"down_threshold" json:"down_threshold"`
	FreqUpStep           uint          `yaml:"freq_up_step" json:"freq_up_step"`
	FreqDownStep         uint          `yaml:"freq_down_step" json:"freq_down_step"`
	FreqConsLow          uint          `yaml:"freq_cons_low" json:"freq_cons_low"`
	IOIsBusy             bool          `yaml:"io_is_busy" json:"io_is_busy"`
}

func DefaultTunables() Tunables {
	return Tunables{
		SamplingDownFactor:   defSamplingDownFactor,
		UpThreshold:          defUpThreshold,
		UpThresholdBurst:     defUpThresholdBurst,
		UpThresholdAtLowFreq: defUpThresholdAtLowFreq,
		DownThreshold:        defDownThreshold,
		FreqUpStep:           defFreqUpStep,
		FreqDownStep:         defFreqDownStep,
		IOIsBusy:             true,
	}
}

// Validate checks internal consistency of the set. The up and down
// thresholds are validated as a pair so they can never cross.
func (t *Tunables) Validate(rateFloor time.Duration) error {
	if t.SamplingRate < rateFloor {
		return fmt.Errorf("sampling_rate %v below minimum %v", t.SamplingRate, rateFloor)
	}
	if t.SamplingDownFactor < 1 {
		return fmt.Errorf("sampling_down_factor must be at least 1")
	}
	if t.UpThreshold <= t.DownThreshold || t.UpThreshold > 100 {
		return fmt.Errorf("up_threshold %d out of range (%d..100]",
			t.UpThreshold, t.DownThreshold)
	}
	if t.UpThresholdBurst > 100 {
		return fmt.Errorf("up_threshold_burst %d out of range [0..100]", t.UpThresholdBurst)
	}
	if t.UpThresholdAtLowFreq > 100 {
		return fmt.Errorf("up_threshold_at_low_freq %d out of range [0..100]",
			t.UpThresholdAtLowFreq)
	}
	if t.DownThreshold >= t.UpThreshold {
		return fmt.Errorf("down_threshold %d must stay below up_threshold %d",
			t.DownThreshold, t.UpThreshold)
	}
	if t.FreqUpStep < 1 || t.FreqUpStep > 100 {
		return fmt.Errorf("freq_up_step %d out of range [1..100]", t.FreqUpStep)
	}
	if t.FreqDownStep < 1 || t.FreqDownStep > 100 {
		return fmt.Errorf("freq_down_step %d out of range [1..100]", t.FreqDownStep)
	}
	return nil
}

// Governor runs the step-based algorithm. The internally tracked
// target frequency is kept per policy so repeated steps accumulate
// even when the hardware rounds them to the same table entry.
type Governor struct {
	log     logr.Logger
	reg     *cpufreq.Registry
	sampler *governor.Sampler
	monitor *governor.Monitor

	tunables  atomic.Pointer[Tunables]
	rateFloor atomic.Int64

	mu         sync.Mutex
	started    int
	targetFreq []uint
	rateMult   []atomic.Int32

	unsubs []func()
}

func New(log logr.Logger, reg *cpufreq.Registry, sampler *governor.Sampler) *Governor {
	g := &Governor{
		log:        log,
		reg:        reg,
		sampler:    sampler,
		targetFreq: make([]uint, reg.MaxUnits()),
		rateMult:   make([]atomic.Int32, reg.MaxUnits()),
	}
	g.monitor = governor.NewMonitor(log, reg, sampler, g)

	t := DefaultTunables()
	g.tunables.Store(&t)
	g.rateFloor.Store(int64(governor.MicroMinSampleRate))

	g.unsubs = append(g.unsubs, reg.Bus().SubscribeTransition(g.onTransition))

	return g
}

// Tunables returns the active tuning set.
func (g *Governor) Tunables() Tunables { return *g.tunables.Load() }

// MinSamplingRate returns the lowest accepted sampling rate.
func (g *Governor) MinSamplingRate() time.Duration {
	return time.Duration(g.rateFloor.Load())
}

// Update validates and atomically installs a new tuning set.
func (g *Governor) Update(t Tunables) error {
	if err := t.Validate(g.MinSamplingRate()); err != nil {
		return err
	}
	prev := g.tunables.Swap(&t)
	if t.SamplingRate != prev.SamplingRate {
		g.monitor.RateChanged()
	}
	g.log.V(4).Info("tunables updated", "sampling_rate", t.SamplingRate,
		"up_threshold", t.UpThreshold, "down_threshold", t.DownThreshold)
	return nil
}

// Start attaches the governor to a policy. The tracked target starts
// at the current frequency.
func (g *Governor) Start(p *cpufreq.Policy) error {
	g.mu.Lock()
	g.started++
	if g.started == 1 {
		g.bindConstraints(p)
	}
	g.targetFreq[p.Leader()] = p.Cur()
	g.mu.Unlock()

	g.rateMult[p.Leader()].Store(1)
	return g.monitor.Start(p)
}

// Stop detaches the governor from a policy.
func (g *Governor) Stop(p *cpufreq.Policy) {
	g.monitor.Stop(p)

	g.mu.Lock()
	g.started--
	g.mu.Unlock()
}

// Close detaches from the event bus and stops all sampling loops.
func (g *Governor) Close() {
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil
	g.monitor.Close()
}

func (g *Governor) bindConstraints(p *cpufreq.Policy) {
	t := *g.tunables.Load()

	rate, floor := governor.DefaultSamplingRate(p)
	g.rateFloor.Store(int64(floor))
	if t.SamplingRate < floor {
		t.SamplingRate = rate
	}

	lim := p.Snapshot()
	t.FreqConsLow = util.Clamp(t.FreqConsLow, lim.HWMin, lim.HWMax)

	g.tunables.Store(&t)
}

// CheckPolicy is one decision pass, invoked from the sampling loop
// with the leader's timer lock held.
func (g *Governor) CheckPolicy(cb *governor.ControlBlock) {
	t := g.tunables.Load()
	p := cb.Policy()
	lim := p.Snapshot()

	maxLoad, _ := g.sampler.PolicyMaxLoad(p, t.SamplingRate, t.IOIsBusy, false)

	// Burst straight to the maximum when the threshold is armed. The
	// tracked target is aligned with the ceiling so the next sample
	// does not step down from a stale low value.
	if t.UpThresholdBurst > 0 && maxLoad >= t.UpThresholdBurst {
		if lim.Cur < lim.Max {
			g.rateMult[p.Leader()].Store(int32(t.SamplingDownFactor))
		}
		g.mu.Lock()
		g.targetFreq[p.Leader()] = lim.Max
		g.mu.Unlock()

		if lim.Cur != lim.Max {
			if err := g.reg.Transition(p, lim.Max, cpufreq.RelationClosest); err != nil {
				g.log.V(4).Info("burst skipped", "policy", p.Leader(), "error", err.Error())
			}
		}
		return
	}

	// A lower up threshold applies below the consolidation corner so
	// the policy leaves the lowest frequencies more willingly.
	up := t.UpThreshold
	if lim.Cur <= t.FreqConsLow {
		up = t.UpThresholdAtLowFreq
	}

	switch {
	case maxLoad >= up:
		g.scaleFreq(p, lim, t, false)
	case maxLoad <= t.DownThreshold:
		g.scaleFreq(p, lim, t, true)
	}
}

// scaleFreq moves the tracked target by a step and issues the
// transition. A decrease rounds to the closest table entry while an
// increase rounds down, which comforts both power and energy sides.
func (g *Governor) scaleFreq(p *cpufreq.Policy, lim cpufreq.Limits, t *Tunables, decrease bool) {
	g.rateMult[p.Leader()].Store(1)

	if decrease && lim.Cur == lim.Min || !decrease && lim.Cur == lim.Max {
		return
	}

	step := t.FreqUpStep
	if decrease {
		step = t.FreqDownStep
	}
	diff := lim.Max * step / 100

	g.mu.Lock()
	target := g.targetFreq[p.Leader()]
	if decrease {
		if target > diff {
			target -= diff
		} else {
			target = 0
		}
	} else {
		target += diff
	}
	target = util.Clamp(target, lim.Min, lim.Max)
	g.targetFreq[p.Leader()] = target
	g.mu.Unlock()

	rel := cpufreq.RelationHigh
	if decrease {
		rel = cpufreq.RelationClosest
	}
	if err := g.reg.Transition(p, target, rel); err != nil {
		g.log.V(4).Info("scale step skipped", "policy", p.Leader(), "error", err.Error())
	}
}

// onTransition resynchronizes the tracked target when an external
// transition left it outside the valid policy range. Targets still in
// range are kept, so the gradual ramp survives foreign transitions.
func (g *Governor) onTransition(ev cpufreq.TransitionEvent) {
	p := ev.Policy
	cb := g.sampler.Block(p.Leader())
	if cb.Policy() == nil {
		return
	}

	lim := p.Snapshot()

	g.mu.Lock()
	target := g.targetFreq[p.Leader()]
	if target < lim.Min || target > lim.Max {
		g.targetFreq[p.Leader()] = ev.NewFreq
	}
	g.mu.Unlock()
}

// SamplingRate implements governor.Checker.
func (g *Governor) SamplingRate() time.Duration { return g.tunables.Load().SamplingRate }

// IOBusy implements governor.Checker.
func (g *Governor) IOBusy() bool { return g.tunables.Load().IOIsBusy }

// RateMult implements governor.Checker.
func (g *Governor) RateMult(p *cpufreq.Policy) int {
	m := g.rateMult[p.Leader()].Load()
	if m < 1 {
		return 1
	}
	return int(m)
}

// Monitor exposes the sampling monitor, mainly for limit updates.
func (g *Governor) Monitor() *governor.Monitor { return g.monitor }
