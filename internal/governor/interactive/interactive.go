// Package interactive implements a latency-focused governor for
// interactive workloads. Load is accumulated as frequency-weighted
// busy time per unit, evaluated on aligned timer windows, and applied
// by a single speed-change worker so each policy sees one transition
// per batch of pending units.
package interactive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/sampling"
	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

const (
	defGoHispeedLoad     = 99
	defTargetLoad        = 80
	defTimerRate         = 20 * time.Millisecond
	defAboveHispeedDelay = defTimerRate
	defMinSampleTime     = 79 * time.Millisecond
	defTimerSlack        = 4 * defTimerRate
	defMaxFreqHysteresis = 99 * time.Millisecond
)

// Tunables is the full interactive configuration. A negative
// TimerSlack disables the idle window extension.
type Tunables struct {
	TargetLoads        StepTable     `yaml:"target_loads" json:"target_loads"`
	AboveHispeedDelay  StepTable     `yaml:"above_hispeed_delay" json:"above_hispeed_delay"`
	MinSampleTime      StepTable     `yaml:"min_sample_time" json:"min_sample_time"`
	TimerRate          time.Duration `yaml:"timer_rate" json:"timer_rate"`
	TimerSlack         time.Duration `yaml:"timer_slack" json:"timer_slack"`
	GoHispeedLoad      uint          `yaml:"go_hispeed_load" json:"go_hispeed_load"`
	HispeedFreq        uint          `yaml:"hispeed_freq" json:"hispeed_freq"`
	FreqCalcThresh     uint          `yaml:"freq_calc_thresh" json:"freq_calc_thresh"`
	MaxFreqHysteresis  time.Duration `yaml:"max_freq_hysteresis" json:"max_freq_hysteresis"`
	BoostpulseDuration time.Duration `yaml:"boostpulse_duration" json:"boostpulse_duration"`
	AlignWindows       bool          `yaml:"align_windows" json:"align_windows"`
	IOIsBusy           bool          `yaml:"io_is_busy" json:"io_is_busy"`
}

func DefaultTunables() Tunables {
	return Tunables{
		TargetLoads:        NewStepTable(defTargetLoad),
		AboveHispeedDelay:  NewStepTable(uint(defAboveHispeedDelay / time.Microsecond)),
		MinSampleTime:      NewStepTable(uint(defMinSampleTime / time.Microsecond)),
		TimerRate:          defTimerRate,
		TimerSlack:         defTimerSlack,
		GoHispeedLoad:      defGoHispeedLoad,
		MaxFreqHysteresis:  defMaxFreqHysteresis,
		BoostpulseDuration: defMinSampleTime,
		AlignWindows:       true,
		IOIsBusy:           true,
	}
}

// Validate checks internal consistency of the set.
func (t *Tunables) Validate() error {
	if t.TimerRate <= 0 {
		return fmt.Errorf("timer_rate must be positive")
	}
	if t.GoHispeedLoad > 100 {
		return fmt.Errorf("go_hispeed_load %d out of range [0..100]", t.GoHispeedLoad)
	}
	if t.TargetLoads.IsZero() || t.AboveHispeedDelay.IsZero() || t.MinSampleTime.IsZero() {
		return fmt.Errorf("step tables must have at least one entry")
	}
	if t.MaxFreqHysteresis < 0 || t.BoostpulseDuration < 0 {
		return fmt.Errorf("hysteresis durations must not be negative")
	}
	return nil
}

// cpuState is the per-unit bookkeeping. mu gates enablement against
// late timer fires and notifier paths; loadMu guards the accumulated
// time slices; targetMu guards the target frequency and its validation
// timestamps. loadMu and targetMu are leaves, never nested in each
// other.
type cpuState struct {
	unit int

	mu      sync.RWMutex
	enabled bool
	policy  *cpufreq.Policy

	loadMu            sync.Mutex
	timeInIdle        time.Duration
	idleTimestamp     time.Duration
	speedadj          uint64
	speedadjTimestamp time.Duration

	targetMu         sync.Mutex
	targetFreq       uint
	floorFreq        uint
	minFreq          uint
	floorValidate    time.Duration
	hispeedValidate  time.Duration
	localHVT         time.Duration
	maxFreqHystStart time.Duration

	kick     chan time.Duration
	deadline atomic.Int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Governor is the interactive governor instance.
type Governor struct {
	log logr.Logger
	reg *cpufreq.Registry
	src sampling.Source

	tunables atomic.Pointer[Tunables]

	boost         atomic.Bool
	boostpulseEnd atomic.Int64

	states []*cpuState

	pendMu  sync.Mutex
	pending map[int]struct{}
	wake    chan struct{}

	mu      sync.Mutex
	started int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

func New(log logr.Logger, reg *cpufreq.Registry, src sampling.Source) *Governor {
	g := &Governor{
		log:     log,
		reg:     reg,
		src:     src,
		states:  make([]*cpuState, reg.MaxUnits()),
		pending: make(map[int]struct{}),
		wake:    make(chan struct{}, 1),
	}
	for i := range g.states {
		g.states[i] = &cpuState{unit: i, kick: make(chan time.Duration, 1)}
	}

	t := DefaultTunables()
	g.tunables.Store(&t)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go g.speedchangeWorker(ctx)

	g.unsubs = append(g.unsubs,
		reg.Bus().SubscribeTransition(g.onTransition),
		reg.Bus().SubscribeIdleExit(g.onIdleExit),
		reg.Bus().SubscribeLimits(g.onLimits),
		reg.Bus().SubscribeHotplug(g.onHotplug),
	)

	return g
}

// Tunables returns the active tuning set.
func (g *Governor) Tunables() Tunables { return *g.tunables.Load() }

// Update validates and atomically installs a new tuning set.
func (g *Governor) Update(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	g.tunables.Store(&t)
	g.log.V(4).Info("tunables updated", "timer_rate", t.TimerRate,
		"go_hispeed_load", t.GoHispeedLoad, "hispeed_freq", t.HispeedFreq)
	return nil
}

// Start attaches the governor to a policy: every member unit gets its
// evaluation timer, with the target anchored at the current frequency.
func (g *Governor) Start(p *cpufreq.Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.started++
	if g.started == 1 {
		g.bindConstraints(p)
	}

	for _, j := range p.Units() {
		cs := g.states[j]
		if !g.reg.IsOnline(j) {
			cs.mu.Lock()
			cs.policy = p
			cs.mu.Unlock()
			continue
		}
		if err := g.startUnit(cs, p); err != nil {
			g.started--
			return err
		}
	}

	g.log.V(4).Info("started", "policy", p.Leader())
	return nil
}

// startUnit arms the evaluation timer of one unit, with its target and
// floor anchored at the policy's current frequency.
func (g *Governor) startUnit(cs *cpuState, p *cpufreq.Policy) error {
	t := g.tunables.Load()
	now := g.src.Now()
	lim := p.Snapshot()

	cs.mu.Lock()
	if cs.enabled {
		cs.mu.Unlock()
		return fmt.Errorf("governor already running on unit %d", cs.unit)
	}
	cs.policy = p

	cs.targetMu.Lock()
	cs.targetFreq = lim.Cur
	cs.floorFreq = lim.Cur
	cs.minFreq = lim.Min
	cs.floorValidate = now
	cs.hispeedValidate = now
	cs.localHVT = now
	cs.targetMu.Unlock()

	g.resetTimeSlices(cs, t.IOIsBusy)

	ctx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel
	cs.enabled = true
	cs.mu.Unlock()

	cs.wg.Add(1)
	go g.runTimer(ctx, cs)
	return nil
}

// quiesceUnit disables one unit first, so no late timer or notifier
// does work, then waits for its timer to drain. The policy reference
// stays so the unit can be re-armed when it comes back online.
func (g *Governor) quiesceUnit(cs *cpuState) bool {
	cs.mu.Lock()
	if !cs.enabled {
		cs.mu.Unlock()
		return false
	}
	cs.enabled = false
	cs.targetMu.Lock()
	cs.targetFreq = 0
	cs.targetMu.Unlock()
	cancel := cs.cancel
	cs.cancel = nil
	cs.mu.Unlock()

	cancel()
	cs.wg.Wait()
	return true
}

// Stop quiesces the member units and drops their policy references.
func (g *Governor) Stop(p *cpufreq.Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ran := false
	for _, j := range p.Units() {
		cs := g.states[j]
		g.quiesceUnit(cs)

		cs.mu.Lock()
		if cs.policy == p {
			ran = true
			cs.policy = nil
		}
		cs.mu.Unlock()
	}

	if ran {
		g.started--
		g.log.V(4).Info("stopped", "policy", p.Leader())
	}
}

// onHotplug quiesces the timer of a unit going offline and re-arms it
// when the unit returns, provided the governor still owns it.
func (g *Governor) onHotplug(ev cpufreq.HotplugEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cs := g.states[ev.Unit]
	if !ev.Online {
		g.quiesceUnit(cs)
		return
	}

	cs.mu.Lock()
	p, enabled := cs.policy, cs.enabled
	cs.mu.Unlock()
	if p == nil || enabled {
		return
	}
	if err := g.startUnit(cs, p); err != nil {
		g.log.Error(err, "re-arming unit after hotplug", "unit", ev.Unit)
	}
}

// Close shuts down the speed-change worker and detaches from the bus.
func (g *Governor) Close() {
	for _, unsub := range g.unsubs {
		unsub()
	}
	g.unsubs = nil

	for _, p := range g.reg.Policies() {
		g.Stop(p)
	}
	g.cancel()
	g.wg.Wait()
}

func (g *Governor) bindConstraints(p *cpufreq.Policy) {
	t := *g.tunables.Load()
	lim := p.Snapshot()

	if t.HispeedFreq == 0 {
		t.HispeedFreq = lim.HWMax
	}
	t.FreqCalcThresh = util.Clamp(t.FreqCalcThresh, lim.Min, lim.Max)

	g.tunables.Store(&t)
}

// resetTimeSlices restarts load accumulation from now.
func (g *Governor) resetTimeSlices(cs *cpuState, ioBusy bool) {
	idle, wall, err := g.src.IdleTime(cs.unit, ioBusy)
	if err != nil {
		return
	}
	cs.loadMu.Lock()
	cs.timeInIdle = idle
	cs.idleTimestamp = wall
	cs.speedadj = 0
	cs.speedadjTimestamp = wall
	cs.loadMu.Unlock()
}

// updateLoad closes the current accumulation slice at the frequency
// the policy runs right now. Callers hold loadMu.
func (g *Governor) updateLoad(cs *cpuState, p *cpufreq.Policy, ioBusy bool) time.Duration {
	idle, wall, err := g.src.IdleTime(cs.unit, ioBusy)
	if err != nil {
		return cs.idleTimestamp
	}

	deltaIdle := idle - cs.timeInIdle
	deltaTime := wall - cs.idleTimestamp
	cs.timeInIdle = idle
	cs.idleTimestamp = wall

	var active time.Duration
	if deltaTime > deltaIdle {
		active = deltaTime - deltaIdle
	}

	// Weight busy time by the frequency it ran at. Dividing the sum by
	// the window length later yields the average busy frequency.
	cs.speedadj += uint64(active) * uint64(p.Cur())

	return wall
}

func (g *Governor) boosted(now time.Duration) bool {
	return g.boost.Load() || int64(now) < g.boostpulseEnd.Load()
}

// runTimer is the per-unit evaluation loop.
func (g *Governor) runTimer(ctx context.Context, cs *cpuState) {
	defer cs.wg.Done()

	timer := time.NewTimer(g.nextDelay(cs))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-cs.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			cs.deadline.Store(int64(g.src.Now() + d))
			timer.Reset(d)

		case <-timer.C:
			g.evaluate(cs)
			timer.Reset(g.nextDelay(cs))
		}
	}
}

// nextDelay returns the delay until the next evaluation window. With
// aligned windows all units fire near the same instant. The slack
// extends the window while the unit rests at the policy minimum
// without a boost in flight, trading reaction time for fewer wakeups.
func (g *Governor) nextDelay(cs *cpuState) time.Duration {
	t := g.tunables.Load()
	now := g.src.Now()

	d := t.TimerRate
	if t.AlignWindows {
		if rem := now % t.TimerRate; rem != 0 {
			d = t.TimerRate - rem
		}
	}

	cs.mu.RLock()
	p := cs.policy
	cs.mu.RUnlock()
	if p != nil && t.TimerSlack >= 0 {
		cs.targetMu.Lock()
		target := cs.targetFreq
		cs.targetMu.Unlock()
		if target == p.Snapshot().Min && !g.boosted(now) {
			d += t.TimerSlack
		}
	}

	cs.deadline.Store(int64(now + d))
	return d
}

// evaluate is one timer fire: close the load window, pick a new target
// frequency and queue the unit for the speed-change worker.
func (g *Governor) evaluate(cs *cpuState) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.enabled {
		return
	}

	t := g.tunables.Load()
	p := cs.policy
	lim := p.Snapshot()

	cs.loadMu.Lock()
	now := g.updateLoad(cs, p, t.IOIsBusy)
	deltaTime := now - cs.speedadjTimestamp
	speedadj := cs.speedadj
	cs.speedadj = 0
	cs.speedadjTimestamp = now
	cs.loadMu.Unlock()

	// Two samples collapsed into one window.
	if deltaTime == 0 {
		return
	}

	cs.targetMu.Lock()

	// Average busy frequency over the window, scaled to percent.
	loadadjfreq := speedadj / uint64(deltaTime) * 100

	boosted := g.boosted(now)
	boostedFreq := util.Clamp(t.HispeedFreq, lim.Min, lim.Max)

	cpuLoad := uint(loadadjfreq / uint64(lim.Cur))

	var newFreq uint
	if (t.GoHispeedLoad > 0 && cpuLoad >= t.GoHispeedLoad) || boosted {
		if lim.Cur < boostedFreq {
			newFreq = boostedFreq
		} else {
			newFreq = util.Max(g.chooseFreq(p, lim, t, loadadjfreq, cpuLoad), boostedFreq)
		}
	} else {
		newFreq = g.chooseFreq(p, lim, t, loadadjfreq, cpuLoad)
		// Pass through the hispeed step before going above it.
		if newFreq > boostedFreq && cs.targetFreq < boostedFreq {
			newFreq = boostedFreq
		}
	}

	// Hold below-to-above hispeed ramps until the delay at the current
	// frequency has elapsed.
	if lim.Cur >= boostedFreq && newFreq > lim.Cur &&
		now-cs.hispeedValidate <= t.AboveHispeedDelay.DurationFor(lim.Cur) {
		cs.targetMu.Unlock()
		return
	}

	cs.localHVT = now

	resolved, err := p.Table().Target(newFreq, cpufreq.RelationClosest)
	if err != nil {
		cs.targetMu.Unlock()
		return
	}
	newFreq = resolved

	// Hold downscales while the maximum frequency hysteresis runs.
	if newFreq < cs.targetFreq &&
		now-cs.maxFreqHystStart <= t.MaxFreqHysteresis {
		cs.targetMu.Unlock()
		return
	}

	// Hold below the floor until it has been validated for the minimum
	// sample time.
	if newFreq < cs.floorFreq &&
		now-cs.floorValidate <= t.MinSampleTime.DurationFor(lim.Cur) {
		cs.targetMu.Unlock()
		return
	}

	// A boost to exactly the hispeed frequency may drop as soon as the
	// pulse expires; anything above it re-arms the floor.
	if !boosted || newFreq > boostedFreq {
		cs.floorFreq = newFreq
		cs.floorValidate = now
	}

	if newFreq == lim.Max {
		cs.maxFreqHystStart = now
	}

	if cs.targetFreq == newFreq && cs.targetFreq <= lim.Cur {
		cs.targetMu.Unlock()
		return
	}

	cs.targetFreq = newFreq
	cs.targetMu.Unlock()

	g.queueSpeedchange(cs.unit)
}

// chooseFreq finds the lowest frequency whose target load is not
// exceeded by the observed load-adjusted frequency. Below the
// calculation threshold a linear scale between the hardware bounds is
// used instead of the table walk.
func (g *Governor) chooseFreq(p *cpufreq.Policy, lim cpufreq.Limits, t *Tunables, loadadjfreq uint64, cpuLoad uint) uint {
	freq := lim.Cur

	if freq <= t.FreqCalcThresh {
		return lim.HWMin + cpuLoad*(lim.HWMax-lim.HWMin)/100
	}

	table := p.Table()
	var freqmin uint
	freqmax := ^uint(0)

	for {
		prevfreq := freq
		tl := t.TargetLoads.ValueFor(freq)
		if tl == 0 {
			break
		}

		next, err := table.Target(uint(loadadjfreq/uint64(tl)), cpufreq.RelationLow)
		if err != nil {
			break
		}
		freq = next

		if freq > prevfreq {
			// The previous frequency is too low.
			freqmin = prevfreq
			if freq >= freqmax {
				hi, err := table.Target(freqmax-1, cpufreq.RelationHigh)
				if err != nil {
					break
				}
				freq = hi
				if freq == freqmin {
					// The lowest fast-enough speed is freqmax.
					freq = freqmax
					break
				}
			}
		} else if freq < prevfreq {
			// The previous frequency is high enough.
			freqmax = prevfreq
			if freq <= freqmin {
				lo, err := table.Target(freqmin+1, cpufreq.RelationLow)
				if err != nil {
					break
				}
				freq = lo
				if freq == freqmax {
					break
				}
			}
		}

		if freq == prevfreq {
			break
		}
	}

	return freq
}

func (g *Governor) queueSpeedchange(unit int) {
	g.pendMu.Lock()
	g.pending[unit] = struct{}{}
	g.pendMu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// speedchangeWorker applies queued targets. For each pending unit the
// policy-wide maximum target wins, together with the earliest hispeed
// validation stamp among the units that voted for it, and exactly one
// transition is issued per policy.
func (g *Governor) speedchangeWorker(ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		}

		g.pendMu.Lock()
		batch := g.pending
		g.pending = make(map[int]struct{})
		g.pendMu.Unlock()

		for unit := range batch {
			g.applyTarget(g.states[unit])
		}
	}
}

func (g *Governor) applyTarget(cs *cpuState) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.enabled {
		return
	}
	p := cs.policy

	var maxFreq uint
	var hvt time.Duration
	for _, j := range p.Units() {
		js := g.states[j]
		js.targetMu.Lock()
		if js.targetFreq > maxFreq {
			maxFreq = js.targetFreq
			hvt = js.localHVT
		} else if js.targetFreq == maxFreq {
			hvt = util.Min(hvt, js.localHVT)
		}
		js.targetMu.Unlock()
	}

	if maxFreq != p.Cur() {
		if err := g.reg.Transition(p, maxFreq, cpufreq.RelationClosest); err != nil {
			g.log.V(4).Info("speed change failed", "unit", cs.unit, "error", err.Error())
			return
		}
		// The stamp moves only when the frequency really scales.
		for _, j := range p.Units() {
			js := g.states[j]
			js.targetMu.Lock()
			js.hispeedValidate = hvt
			js.targetMu.Unlock()
		}
	}
}

// SetBoost turns the indefinite boost on or off. Turning it off lets
// frequencies fall on the next evaluation.
func (g *Governor) SetBoost(on bool) {
	g.boost.Store(on)
	if on {
		g.boostAll()
	} else {
		g.boostpulseEnd.Store(int64(g.src.Now()))
	}
	g.log.V(4).Info("boost", "on", on)
}

// Boostpulse raises all units to the hispeed frequency for the
// configured pulse duration.
func (g *Governor) Boostpulse() {
	t := g.tunables.Load()
	g.boostpulseEnd.Store(int64(g.src.Now() + t.BoostpulseDuration))
	g.boostAll()
}

// boostAll raises the target of every governed unit to the hispeed
// frequency and stamps the floors so the boost survives the next
// evaluation window.
func (g *Governor) boostAll() {
	t := g.tunables.Load()
	now := g.src.Now()
	any := false

	for _, unit := range g.reg.OnlineUnits() {
		cs := g.states[unit]

		cs.mu.RLock()
		if !cs.enabled {
			cs.mu.RUnlock()
			continue
		}

		cs.targetMu.Lock()
		if cs.targetFreq < t.HispeedFreq {
			cs.targetFreq = t.HispeedFreq
			cs.hispeedValidate = now
			g.pendMu.Lock()
			g.pending[unit] = struct{}{}
			g.pendMu.Unlock()
			any = true
		}
		cs.floorFreq = t.HispeedFreq
		cs.floorValidate = now
		cs.targetMu.Unlock()
		cs.mu.RUnlock()
	}

	if any {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
}

// onTransition closes the load windows of the member units right
// before the frequency changes, so accumulated busy time is weighted
// at the frequency it actually ran at. The event arrives synchronously
// from the speed-change worker, which already holds the state lock of
// the unit it is applying, so only a trylock is safe here: a skipped
// unit just closes its window on the next timer fire.
func (g *Governor) onTransition(ev cpufreq.TransitionEvent) {
	t := g.tunables.Load()
	for _, j := range ev.Policy.Units() {
		cs := g.states[j]
		if !cs.mu.TryRLock() {
			continue
		}
		if cs.enabled {
			cs.loadMu.Lock()
			g.updateLoad(cs, ev.Policy, t.IOIsBusy)
			cs.loadMu.Unlock()
		}
		cs.mu.RUnlock()
	}
}

// onIdleExit fires an overdue evaluation as soon as the unit wakes up.
func (g *Governor) onIdleExit(ev cpufreq.IdleExitEvent) {
	if ev.Unit < 0 || ev.Unit >= len(g.states) {
		return
	}
	cs := g.states[ev.Unit]

	cs.mu.RLock()
	enabled := cs.enabled
	cs.mu.RUnlock()
	if !enabled {
		return
	}

	if int64(g.src.Now()) >= cs.deadline.Load() {
		select {
		case cs.kick <- 0:
		default:
		}
	}
}

// onLimits clamps the tracked targets into the new bounds. A lowered
// policy minimum reschedules the window so the unit is not stuck
// sleeping with a stale slack extension.
func (g *Governor) onLimits(ev cpufreq.LimitsEvent) {
	p := ev.Policy
	lim := p.Snapshot()

	for _, j := range p.Units() {
		cs := g.states[j]

		cs.mu.RLock()
		if !cs.enabled {
			cs.mu.RUnlock()
			continue
		}

		cs.targetMu.Lock()
		cs.targetFreq = util.Clamp(cs.targetFreq, lim.Min, lim.Max)
		dropped := lim.Min < cs.minFreq
		cs.minFreq = lim.Min
		cs.targetMu.Unlock()
		cs.mu.RUnlock()

		if dropped {
			select {
			case cs.kick <- g.tunables.Load().TimerRate:
			default:
			}
		}
	}
}
