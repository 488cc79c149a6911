package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
)

// Checker is the decision half of a sampling governor. CheckPolicy is
// invoked with the leader's TimerMu held and a non-nil policy.
type Checker interface {
	CheckPolicy(cb *ControlBlock)
	SamplingRate() time.Duration
	RateMult(p *cpufreq.Policy) int
	IOBusy() bool
}

type loop struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan time.Duration

	// Monotonic nanoseconds of the pending fire and of the last
	// completed sample. Read by reschedule paths without the loop
	// lock.
	deadline   atomic.Int64
	lastSample atomic.Int64
}

// Monitor drives one sampling loop per started policy, firing the
// checker at the sampling rate scaled by the policy's rate multiplier.
// Limit changes trigger an immediate decision pass so a sampling
// window is never lost to a clamp.
type Monitor struct {
	log     logr.Logger
	reg     *cpufreq.Registry
	sampler *Sampler
	checker Checker

	mu    sync.Mutex
	loops map[int]*loop

	unsubLimits  func()
	unsubHotplug func()
}

func NewMonitor(log logr.Logger, reg *cpufreq.Registry, sampler *Sampler, checker Checker) *Monitor {
	m := &Monitor{
		log:     log,
		reg:     reg,
		sampler: sampler,
		checker: checker,
		loops:   make(map[int]*loop),
	}
	m.unsubLimits = reg.Bus().SubscribeLimits(func(e cpufreq.LimitsEvent) {
		m.Poll(e.Policy)
	})
	m.unsubHotplug = reg.Bus().SubscribeHotplug(m.onHotplug)
	return m
}

// onHotplug restores the idle baseline of a unit coming back online,
// so its first window does not account the time spent offline, and
// runs a decision pass right away. Offline units are excluded from
// the decision passes themselves.
func (m *Monitor) onHotplug(e cpufreq.HotplugEvent) {
	if !e.Online {
		return
	}
	cb := m.sampler.Block(e.Unit)
	p := cb.Policy()
	if p == nil {
		return
	}
	if idle, wall, err := m.sampler.src.IdleTime(e.Unit, m.checker.IOBusy()); err == nil {
		cb.ResetTimes(idle, wall, 0)
	}
	m.Poll(p)
}

// policyOnline reports whether any member unit of the policy is online.
func (m *Monitor) policyOnline(p *cpufreq.Policy) bool {
	for _, j := range p.Units() {
		if m.reg.IsOnline(j) {
			return true
		}
	}
	return false
}

// Start begins sampling the policy. The idle baseline of every member
// unit is reset so the first window starts from now.
func (m *Monitor) Start(p *cpufreq.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	leader := p.Leader()
	if _, ok := m.loops[leader]; ok {
		return fmt.Errorf("governor already running on policy %d", leader)
	}

	ioBusy := m.checker.IOBusy()
	for _, j := range p.Units() {
		cb := m.sampler.Block(j)
		if idle, wall, err := m.sampler.src.IdleTime(j, ioBusy); err == nil {
			cb.ResetTimes(idle, wall, 0)
		}
		cb.setPolicy(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, kick: make(chan time.Duration, 1)}
	l.lastSample.Store(int64(m.sampler.src.Now()))
	m.loops[leader] = l

	// Seed the deadline before the loop goroutine runs, so a Kick
	// issued right after Start has a schedule to compare against.
	delay := m.nextDelay(l, p)

	l.wg.Add(1)
	go m.run(ctx, l, p, delay)

	m.log.V(4).Info("sampling started", "policy", leader)
	return nil
}

// Stop quiesces the policy's sampling loop, then clears the per-unit
// policy references. The ordering matters: no timer may fire after the
// references are gone, and late event handlers observing a nil policy
// simply skip their work.
func (m *Monitor) Stop(p *cpufreq.Policy) {
	leader := p.Leader()

	m.mu.Lock()
	l := m.loops[leader]
	delete(m.loops, leader)
	m.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()

	for _, j := range p.Units() {
		m.sampler.Block(j).setPolicy(nil)
	}
	m.log.V(4).Info("sampling stopped", "policy", leader)
}

// Close stops all loops and detaches from the event bus.
func (m *Monitor) Close() {
	if m.unsubLimits != nil {
		m.unsubLimits()
		m.unsubLimits = nil
	}
	if m.unsubHotplug != nil {
		m.unsubHotplug()
		m.unsubHotplug = nil
	}
	for _, p := range m.reg.Policies() {
		m.Stop(p)
	}
}

// Poll runs a decision pass on the policy right away if its loop is
// running.
func (m *Monitor) Poll(p *cpufreq.Policy) {
	m.mu.Lock()
	_, ok := m.loops[p.Leader()]
	m.mu.Unlock()
	if !ok {
		return
	}

	cb := m.sampler.Block(p.Leader())
	cb.TimerMu.Lock()
	if cb.Policy() != nil && m.policyOnline(p) {
		m.checker.CheckPolicy(cb)
	}
	cb.TimerMu.Unlock()
}

// Kick reschedules the policy's next sample to fire after delay, but
// only if that beats the currently pending deadline.
func (m *Monitor) Kick(p *cpufreq.Policy, delay time.Duration) {
	m.mu.Lock()
	l := m.loops[p.Leader()]
	m.mu.Unlock()
	if l == nil {
		return
	}

	now := m.sampler.src.Now()
	if int64(now+delay) >= l.deadline.Load() {
		return
	}
	select {
	case l.kick <- delay:
	default:
	}
}

// RateChanged re-evaluates every pending deadline against the new
// sampling rate. Deadlines only ever shrink here: a loop whose next
// fire is already due under the new rate fires immediately, one whose
// fire would come sooner is pulled in, and the rest keep their
// schedule.
func (m *Monitor) RateChanged() {
	rate := m.checker.SamplingRate()

	m.mu.Lock()
	loops := make([]*loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		next := time.Duration(l.lastSample.Load()) + rate
		if int64(next) >= l.deadline.Load() {
			continue
		}
		d := next - m.sampler.src.Now()
		if d < 0 {
			d = 0
		}
		select {
		case l.kick <- d:
		default:
		}
	}
}

func (m *Monitor) run(ctx context.Context, l *loop, p *cpufreq.Policy, delay time.Duration) {
	defer l.wg.Done()

	cb := m.sampler.Block(p.Leader())
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-l.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			l.deadline.Store(int64(m.sampler.src.Now() + d))
			timer.Reset(d)

		case <-timer.C:
			l.lastSample.Store(int64(m.sampler.src.Now()))
			cb.TimerMu.Lock()
			if cb.Policy() != nil && m.policyOnline(p) {
				m.checker.CheckPolicy(cb)
			}
			cb.TimerMu.Unlock()
			timer.Reset(m.nextDelay(l, p))
		}
	}
}

// nextDelay computes the aligned delay until the next sample and
// records the resulting deadline.
func (m *Monitor) nextDelay(l *loop, p *cpufreq.Policy) time.Duration {
	now := m.sampler.src.Now()
	d := AlignDelay(now, m.checker.SamplingRate(), m.checker.RateMult(p), m.reg.NumOnline() > 1)
	l.deadline.Store(int64(now + d))
	return d
}
