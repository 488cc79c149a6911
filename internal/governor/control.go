// Package governor implements the shared skeleton of the sampling
// governors: per-unit control blocks, policy-wide load aggregation and
// the timer loops that drive the decision algorithms.
package governor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/pkg/util"
)

// Governor sampling constraints. The polling rate of a sampling
// governor depends on the transition capability of the hardware:
// default rate is LatencyMultiplier times the transition latency, and
// writes below the floor are rejected.
const (
	MinLatencyMultiplier = 100
	LatencyMultiplier    = 1000

	// MicroMinSampleRate is the absolute sampling rate floor.
	MicroMinSampleRate = 10 * time.Millisecond

	// TransitionLatencyLimit is the largest transition latency a
	// sampling governor is willing to work on top of.
	TransitionLatencyLimit = 10 * time.Millisecond
)

// DefaultSamplingRate derives the initial sampling rate and the
// minimal acceptable one from a policy's transition latency.
func DefaultSamplingRate(p *cpufreq.Policy) (rate, floor time.Duration) {
	latency := p.TransitionLatency()
	if latency <= 0 {
		latency = time.Microsecond
	}

	floor = util.Max(MicroMinSampleRate, latency*MinLatencyMultiplier)
	rate = util.Max(floor, latency*LatencyMultiplier)

	return rate, floor
}

// AlignDelay spreads the next sampling delay so that all units fire
// near the same instant. now is the current monotonic timestamp; mult
// is the sampling-down multiplier (>= 1).
func AlignDelay(now, rate time.Duration, mult int, align bool) time.Duration {
	if mult < 1 {
		mult = 1
	}
	d := rate * time.Duration(mult)
	if align && d > 0 {
		if rem := now % d; rem != 0 {
			return d - rem
		}
	}
	return d
}

// ControlBlock is the per-unit sampling bookkeeping shared by the
// demand-based governors. The policy reference is non-nil only while
// the governor runs on the unit; it is cleared first during teardown
// so concurrent notifier paths observe "not running" and skip work.
//
// TimerMu serializes decision passes against limit changes. loadMu is
// a finer lock guarding only the time-slice fields, so it is never
// held across a (potentially slow) frequency transition.
type ControlBlock struct {
	Unit    int
	TimerMu sync.Mutex

	policy atomic.Pointer[cpufreq.Policy]

	loadMu   sync.Mutex
	prevIdle time.Duration
	prevWall time.Duration
	prevLoad uint
	maxLoad  uint
}

// Policy returns the owning policy or nil when the governor is not
// running on this unit.
func (cb *ControlBlock) Policy() *cpufreq.Policy {
	return cb.policy.Load()
}

func (cb *ControlBlock) setPolicy(p *cpufreq.Policy) {
	if p == nil {
		cb.policy.Store(nil)
		return
	}
	cb.policy.Store(p)
}

// ResetTimes reinstalls the idle/wall snapshot and the stored load,
// refreshing the base of the next delta computation.
func (cb *ControlBlock) ResetTimes(idle, wall time.Duration, load uint) {
	cb.loadMu.Lock()
	cb.prevIdle = idle
	cb.prevWall = wall
	cb.prevLoad = load
	cb.maxLoad = load
	cb.loadMu.Unlock()
}

// ResetTimeSlice refreshes only the idle/wall baseline, keeping the
// stored loads. Used after forced transitions, where the old baseline
// would misattribute the pre-boost window.
func (cb *ControlBlock) ResetTimeSlice(idle, wall time.Duration) {
	cb.loadMu.Lock()
	cb.prevIdle = idle
	cb.prevWall = wall
	cb.loadMu.Unlock()
}

// MaxLoad returns the highest load seen on the unit in the current
// sampling window.
func (cb *ControlBlock) MaxLoad() uint {
	cb.loadMu.Lock()
	defer cb.loadMu.Unlock()
	return cb.maxLoad
}

// SeedLoad raises the stored loads of the unit if they are below
// load. Used by migration synchronizers so the window right after a
// migration is not judged artificially idle.
func (cb *ControlBlock) SeedLoad(load uint) {
	cb.loadMu.Lock()
	if load > cb.maxLoad {
		cb.maxLoad = load
		cb.prevLoad = load
	}
	cb.loadMu.Unlock()
}
