// Package ondemand implements a demand-based governor that bursts to
// the policy maximum under load and scales down proportionally to the
// observed load frequency, with cross-policy coordination on
// multi-unit systems.
package ondemand

import (
	"context"
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
	defUpThreshold        = 95
	defDownDifferential   = 3
	defSamplingDownFactor = 1
)

// Tunables is the full ondemand configuration. Instances are treated
// as immutable once installed; Update swaps the whole set atomically.
type Tunables struct {
	SamplingRate              time.Duration `yaml:"sampling_rate" json:"sampling_rate"`
	SamplingDownFactor        int           `yaml:"sampling_down_factor" json:"sampling_down_factor"`
	UpThreshold               uint          `yaml:"up_threshold" json:"up_threshold"`
	UpThresholdMultiCore      uint          `yaml:"up_threshold_multi_core" json:"up_threshold_multi_core"`
	UpThresholdAnyCPULoad     uint          `yaml:"up_threshold_any_cpu_load" json:"up_threshold_any_cpu_load"`
	DownDifferential          uint          `yaml:"down_differential" json:"down_differential"`
	DownDifferentialMultiCore uint          `yaml:"down_differential_multi_core" json:"down_differential_multi_core"`
	OptimalFreq               uint          `yaml:"optimal_freq" json:"optimal_freq"`
	SyncFreq                  uint          `yaml:"sync_freq" json:"sync_freq"`
	InputBoostFreq            uint          `yaml:"input_boost_freq" json:"input_boost_freq"`
	SyncOnMigration           bool          `yaml:"sync_on_migration" json:"sync_on_migration"`
	LoadScaling               bool          `yaml:"load_scaling" json:"load_scaling"`
	IOIsBusy                  bool          `yaml:"io_is_busy" json:"io_is_busy"`
}

// DefaultTunables returns the tuning set for processors with efficient
// idle states: a high burst threshold with a tight down differential.
func DefaultTunables() Tunables {
	return Tunables{
		SamplingDownFactor:        defSamplingDownFactor,
		UpThreshold:               defUpThreshold,
		UpThresholdMultiCore:      defUpThreshold,
		UpThresholdAnyCPULoad:     defUpThreshold,
		DownDifferential:          defDownDifferential,
		DownDifferentialMultiCore: defDownDifferential,
		SyncOnMigration:           true,
		IOIsBusy:                  true,
	}
}

// Validate checks internal consistency of the whole set. Paired values
// are validated against each other so a new threshold can never cross
// its differential.
func (t *Tunables) Validate(rateFloor time.Duration) error {
	if t.SamplingRate < rateFloor {
		return fmt.Errorf("sampling_rate %v below minimum %v", t.SamplingRate, rateFloor)
	}
	if t.SamplingDownFactor < 1 {
		return fmt.Errorf("sampling_down_factor must be at least 1")
	}
	if t.UpThreshold <= t.DownDifferential || t.UpThreshold > 100 {
		return fmt.Errorf("up_threshold %d out of range (%d..100]",
			t.UpThreshold, t.DownDifferential)
	}
	if t.UpThresholdMultiCore <= t.DownDifferentialMultiCore || t.UpThresholdMultiCore > 100 {
		return fmt.Errorf("up_threshold_multi_core %d out of range (%d..100]",
			t.UpThresholdMultiCore, t.DownDifferentialMultiCore)
	}
	if t.UpThresholdAnyCPULoad < 1 || t.UpThresholdAnyCPULoad > 100 {
		return fmt.Errorf("up_threshold_any_cpu_load %d out of range [1..100]",
			t.UpThresholdAnyCPULoad)
	}
	if t.DownDifferential >= t.UpThreshold {
		return fmt.Errorf("down_differential %d must stay below up_threshold %d",
			t.DownDifferential, t.UpThreshold)
	}
	if t.DownDifferentialMultiCore >= t.UpThresholdMultiCore {
		return fmt.Errorf("down_differential_multi_core %d must stay below up_threshold_multi_core %d",
			t.DownDifferentialMultiCore, t.UpThresholdMultiCore)
	}
	return nil
}

// Governor runs the demand-based algorithm over started policies. One
// sync worker per unit mirrors migrated load between policies.
type Governor struct {
	log     logr.Logger
	reg     *cpufreq.Registry
	sampler *governor.Sampler
	monitor *governor.Monitor

	tunables  atomic.Pointer[Tunables]
	rateFloor atomic.Int64

	rateMult []atomic.Int32
	workers  []*syncWorker

	mu      sync.Mutex
	started int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

func New(log logr.Logger, reg *cpufreq.Registry, sampler *governor.Sampler) *Governor {
	g := &Governor{
		log:      log,
		reg:      reg,
		sampler:  sampler,
		rateMult: make([]atomic.Int32, reg.MaxUnits()),
		workers:  make([]*syncWorker, reg.MaxUnits()),
	}
	g.monitor = governor.NewMonitor(log, reg, sampler, g)

	t := DefaultTunables()
	g.tunables.Store(&t)
	g.rateFloor.Store(int64(governor.MicroMinSampleRate))

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for i := range g.workers {
		w := &syncWorker{unit: i, wake: make(chan struct{}, 1)}
		w.srcUnit.Store(-1)
		g.workers[i] = w

		g.wg.Add(1)
		go g.runSyncWorker(ctx, w)
	}

	g.unsubs = append(g.unsubs,
		reg.Bus().SubscribeMigration(g.onMigration),
		reg.Bus().SubscribeInput(g.onInput),
	)

	return g
}

// Tunables returns the active tuning set.
func (g *Governor) Tunables() Tunables { return *g.tunables.Load() }

// MinSamplingRate returns the lowest accepted sampling rate.
func (g *Governor) MinSamplingRate() time.Duration {
	return time.Duration(g.rateFloor.Load())
}

// Update validates and atomically installs a new tuning set. On
// failure the previous set stays active untouched.
func (g *Governor) Update(t Tunables) error {
	if err := t.Validate(g.MinSamplingRate()); err != nil {
		return err
	}
	prev := g.tunables.Swap(&t)
	if t.SamplingRate != prev.SamplingRate {
		g.monitor.RateChanged()
	}
	g.log.V(4).Info("tunables updated", "sampling_rate", t.SamplingRate,
		"up_threshold", t.UpThreshold, "load_scaling", t.LoadScaling)
	return nil
}

// Start attaches the governor to a policy and begins sampling. The
// first started policy pins the sampling rate and the frequency
// anchors to the hardware constraints.
func (g *Governor) Start(p *cpufreq.Policy) error {
	g.mu.Lock()
	g.started++
	if g.started == 1 {
		g.bindConstraints(p)
	}
	g.mu.Unlock()

	g.rateMult[p.Leader()].Store(1)
	for _, j := range p.Units() {
		g.workers[j].enabled.Store(true)
	}
	return g.monitor.Start(p)
}

// Stop detaches the governor from a policy. Sync workers of the member
// units are disabled before the sampling loop is quiesced so no late
// synchronization touches the policy.
func (g *Governor) Stop(p *cpufreq.Policy) {
	for _, j := range p.Units() {
		g.workers[j].enabled.Store(false)
	}
	g.monitor.Stop(p)

	g.mu.Lock()
	g.started--
	g.mu.Unlock()
}

// Close shuts down the sync workers and detaches from the event bus.
func (g *Governor) Close() {
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil
	g.cancel()
	g.wg.Wait()
	g.monitor.Close()
}

// bindConstraints aligns the tuning set with the hardware of the first
// started policy.
func (g *Governor) bindConstraints(p *cpufreq.Policy) {
	t := *g.tunables.Load()

	rate, floor := governor.DefaultSamplingRate(p)
	g.rateFloor.Store(int64(floor))
	if t.SamplingRate < floor {
		t.SamplingRate = rate
	}

	lim := p.Snapshot()
	if t.InputBoostFreq == 0 {
		t.InputBoostFreq = lim.HWMax
	}
	t.OptimalFreq = util.Clamp(t.OptimalFreq, lim.HWMin, lim.HWMax)
	t.SyncFreq = util.Clamp(t.SyncFreq, lim.HWMin, lim.HWMax)

	g.tunables.Store(&t)
}

// CheckPolicy is one decision pass, invoked from the sampling loop
// with the leader's timer lock held.
func (g *Governor) CheckPolicy(cb *governor.ControlBlock) {
	t := g.tunables.Load()
	p := cb.Policy()
	lim := p.Snapshot()

	maxLoad, maxLoadFreq := g.sampler.PolicyMaxLoad(p, t.SamplingRate, t.IOIsBusy, true)
	otherLoad := g.sampler.MaxLoadOtherUnits(p, t.OptimalFreq, t.UpThresholdAnyCPULoad)

	if t.LoadScaling {
		g.checkLoadScaling(p, lim, maxLoad, t)
		return
	}

	// Burst to the maximum as soon as the load frequency crosses the
	// threshold at the current frequency.
	if maxLoadFreq >= uint64(t.UpThreshold)*uint64(lim.Cur) {
		if lim.Cur < lim.Max {
			g.rateMult[p.Leader()].Store(int32(t.SamplingDownFactor))
		}
		g.switchFreq(p, lim, lim.Max)
		return
	}

	// Align with sibling policies while more than one unit is online.
	if g.reg.NumOnline() > 1 {
		if otherLoad > t.UpThresholdAnyCPULoad {
			if lim.Cur < t.SyncFreq {
				g.switchFreq(p, lim, t.SyncFreq)
			}
			return
		}
		if maxLoadFreq >= uint64(t.UpThresholdMultiCore)*uint64(lim.Cur) {
			if lim.Cur < t.OptimalFreq {
				g.switchFreq(p, lim, t.OptimalFreq)
			}
			return
		}
	}

	if lim.Cur == lim.Min {
		return
	}

	// Slow down only once the load frequency drops below the threshold
	// minus the differential, which keeps some headroom at medium load.
	if maxLoadFreq <= uint64(t.UpThreshold-t.DownDifferential)*uint64(lim.Cur) {
		g.rateMult[p.Leader()].Store(1)

		next := util.Max(uint(maxLoadFreq/uint64(t.UpThreshold-t.DownDifferential)), lim.Min)

		// Hold cross-policy floors on the way down.
		if g.reg.NumOnline() > 1 {
			if otherLoad >= t.UpThresholdMultiCore-t.DownDifferential &&
				next < t.SyncFreq {
				next = t.SyncFreq
			}
			if maxLoadFreq >= uint64(t.UpThresholdMultiCore-t.DownDifferentialMultiCore)*uint64(lim.Cur) &&
				next < t.OptimalFreq {
				next = t.OptimalFreq
			}
		}

		if err := g.reg.Transition(p, next, cpufreq.RelationClosest); err != nil {
			g.log.V(4).Info("scale down skipped", "policy", p.Leader(), "error", err.Error())
		}
	}
}

// checkLoadScaling is the alternate linear mode: the target frequency
// follows the load directly between the hardware bounds.
func (g *Governor) checkLoadScaling(p *cpufreq.Policy, lim cpufreq.Limits, maxLoad uint, t *Tunables) {
	if maxLoad >= t.UpThreshold {
		if lim.Cur < lim.Max {
			g.rateMult[p.Leader()].Store(int32(t.SamplingDownFactor))
		}
		g.switchFreq(p, lim, lim.Max)
		return
	}

	g.rateMult[p.Leader()].Store(1)
	next := lim.HWMin + maxLoad*(lim.HWMax-lim.HWMin)/100
	if err := g.reg.Transition(p, next, cpufreq.RelationClosest); err != nil {
		g.log.V(4).Info("load scaling skipped", "policy", p.Leader(), "error", err.Error())
	}
}

// switchFreq moves the policy unless it already sits at its maximum.
func (g *Governor) switchFreq(p *cpufreq.Policy, lim cpufreq.Limits, target uint) {
	if lim.Cur == lim.Max {
		return
	}
	if err := g.reg.Transition(p, target, cpufreq.RelationClosest); err != nil {
		g.log.V(4).Info("switch skipped", "policy", p.Leader(), "error", err.Error())
	}
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

// syncWorker mirrors the frequency of a source unit onto its unit
// after a task migration.
type syncWorker struct {
	unit int
	wake chan struct{}

	srcUnit    atomic.Int32
	beingWoken atomic.Bool
	enabled    atomic.Bool
}

// onMigration marks the destination worker with the source unit and
// wakes it. The CAS guard keeps the wakeup from recursing: the sync
// worker itself migrating must not re-trigger a wake of its own queue.
func (g *Governor) onMigration(ev cpufreq.MigrationEvent) {
	if !g.tunables.Load().SyncOnMigration {
		return
	}
	if ev.DestUnit < 0 || ev.DestUnit >= len(g.workers) {
		return
	}

	w := g.workers[ev.DestUnit]
	w.srcUnit.Store(int32(ev.SrcUnit))

	if w.beingWoken.CompareAndSwap(false, true) {
		select {
		case w.wake <- struct{}{}:
		default:
		}
		w.beingWoken.Store(false)
	}
}

func (g *Governor) runSyncWorker(ctx context.Context, w *syncWorker) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for w.srcUnit.Load() >= 0 {
			g.syncUnit(w)
		}
	}
}

// syncUnit raises the worker's policy to the source unit's frequency
// and seeds its load history so the next sampling window does not
// immediately undo the raise.
func (g *Governor) syncUnit(w *syncWorker) {
	src := int(w.srcUnit.Load())
	defer w.srcUnit.Store(-1)

	if !w.enabled.Load() || !g.reg.IsOnline(w.unit) {
		return
	}

	t := g.tunables.Load()

	srcFreq := t.SyncFreq
	var srcMaxLoad uint
	if src >= 0 && src < g.reg.MaxUnits() {
		srcCb := g.sampler.Block(src)
		if sp := srcCb.Policy(); sp != nil {
			srcFreq = sp.Cur()
			srcMaxLoad = srcCb.MaxLoad()
		}
	}

	destCb := g.sampler.Block(w.unit)
	p := destCb.Policy()
	if p == nil {
		return
	}

	if p.Cur() >= srcFreq {
		return
	}

	if err := g.reg.Transition(p, srcFreq, cpufreq.RelationClosest); err != nil {
		g.log.V(4).Info("migration sync failed", "unit", w.unit, "error", err.Error())
		return
	}
	destCb.SeedLoad(srcMaxLoad)

	// Reschedule the next sample without the sampling-down factor.
	g.monitor.Kick(p, t.SamplingRate)

	g.log.V(5).Info("migration sync", "unit", w.unit, "src", src, "freq", srcFreq)
}

// onInput raises every policy towards the input boost frequency and
// refreshes the member time slices, since the load picture changes the
// moment the frequency jumps.
func (g *Governor) onInput(cpufreq.InputEvent) {
	t := g.tunables.Load()
	if t.InputBoostFreq == 0 {
		return
	}

	for _, p := range g.reg.Policies() {
		cb := g.sampler.Block(p.Leader())
		if cb.Policy() == nil {
			continue
		}

		lim := p.Snapshot()
		target := util.Min(t.InputBoostFreq, lim.Max)
		if lim.Cur >= target {
			continue
		}

		if err := g.reg.Transition(p, target, cpufreq.RelationClosest); err != nil {
			continue
		}
		for _, j := range p.Units() {
			if idle, wall, err := g.sampler.Source().IdleTime(j, t.IOIsBusy); err == nil {
				g.sampler.Block(j).ResetTimeSlice(idle, wall)
			}
		}
	}
}
