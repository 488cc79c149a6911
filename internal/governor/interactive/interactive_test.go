package interactive

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/sampling"
)

var testFreqs = []uint{300000, 652800, 960000, 1497600, 2265600}

// The hour-long timer rate parks the background evaluation loops so
// tests can drive evaluation passes directly.
func newFixture(t *testing.T, tweak func(*Tunables)) (*cpufreq.Registry, *cpufreq.Policy, *sampling.ManualSource, *Governor) {
	t.Helper()

	reg := cpufreq.NewRegistry(logr.Discard(), cpufreq.NewMemDriver(), cpufreq.NewBus(), 2)
	p, err := reg.AddPolicy([]int{0}, cpufreq.NewTable(testFreqs), time.Millisecond)
	require.NoError(t, err)

	src := sampling.NewManualSource()
	g := New(logr.Discard(), reg, src)
	t.Cleanup(g.Close)

	tun := DefaultTunables()
	tun.TimerRate = time.Hour
	if tweak != nil {
		tweak(&tun)
	}
	require.NoError(t, g.Update(tun))

	return reg, p, src, g
}

func (g *Governor) waitCur(t *testing.T, p *cpufreq.Policy, want uint) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Cur() == want
	}, time.Second, 5*time.Millisecond, "want %d kHz, have %d", want, p.Cur())
}

func TestValidate(t *testing.T) {
	tun := DefaultTunables()
	require.NoError(t, tun.Validate())

	bad := tun
	bad.TimerRate = 0
	assert.Error(t, bad.Validate())

	bad = tun
	bad.GoHispeedLoad = 101
	assert.Error(t, bad.Validate())

	bad = tun
	bad.TargetLoads = StepTable{}
	assert.Error(t, bad.Validate())
}

func TestStartRejectsDoubleStart(t *testing.T) {
	_, p, _, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))
	assert.Error(t, g.Start(p))
}

func TestHighLoadGoesHispeed(t *testing.T) {
	_, p, src, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])

	// The default hispeed frequency binds to the hardware maximum.
	g.waitCur(t, p, 2265600)
}

func TestModerateLoadPicksTargetLoadFreq(t *testing.T) {
	reg, p, src, g := newFixture(t, nil)
	require.NoError(t, reg.Transition(p, 960000, cpufreq.RelationClosest))
	require.NoError(t, g.Start(p))

	// 50% busy at 960000 kHz wants 600000 kHz at the default 80%
	// target load, which rounds up to the next supported step.
	src.Window(0, 200*time.Millisecond, 50)
	g.evaluate(g.states[0])

	g.waitCur(t, p, 652800)
}

func TestChooseFreqLinearBelowThreshold(t *testing.T) {
	_, p, _, g := newFixture(t, func(tun *Tunables) {
		tun.FreqCalcThresh = 652800
	})
	require.NoError(t, g.Start(p))

	lim := p.Snapshot()
	freq := g.chooseFreq(p, lim, g.tunables.Load(), 0, 50)
	assert.Equal(t, uint(300000+50*(2265600-300000)/100), freq)
}

func TestAboveHispeedDelayHolds(t *testing.T) {
	reg, p, src, g := newFixture(t, func(tun *Tunables) {
		tun.HispeedFreq = 960000
	})
	require.NoError(t, reg.Transition(p, 960000, cpufreq.RelationClosest))
	require.NoError(t, g.Start(p))

	// Fully busy at the hispeed frequency, but the above-hispeed delay
	// has not elapsed yet: the ramp past hispeed is held.
	src.Window(0, 10*time.Millisecond, 100)
	g.evaluate(g.states[0])

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint(960000), p.Cur())

	// Once the delay elapsed, the ramp continues.
	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 1497600)
}

func TestMaxFreqHysteresisHoldsDownscale(t *testing.T) {
	_, p, src, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 2265600)

	// An idle window right after touching the ceiling is ignored while
	// the hysteresis runs.
	src.Window(0, 20*time.Millisecond, 0)
	g.evaluate(g.states[0])

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint(2265600), p.Cur())

	// Both the hysteresis and the floor expire with enough idle time.
	src.Window(0, 200*time.Millisecond, 0)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 300000)
}

func TestMinSampleTimeHoldsFloor(t *testing.T) {
	_, p, src, g := newFixture(t, func(tun *Tunables) {
		tun.MaxFreqHysteresis = 0
	})
	require.NoError(t, g.Start(p))

	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 2265600)

	// The floor stamped at the ramp holds for the minimum sample time.
	src.Window(0, 20*time.Millisecond, 0)
	g.evaluate(g.states[0])

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint(2265600), p.Cur())

	src.Window(0, 100*time.Millisecond, 0)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 300000)
}

func TestBoostpulse(t *testing.T) {
	_, p, _, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	g.Boostpulse()
	g.waitCur(t, p, 2265600)
}

func TestSetBoost(t *testing.T) {
	_, p, src, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	g.SetBoost(true)
	g.waitCur(t, p, 2265600)
	assert.True(t, g.boosted(src.Now()))

	g.SetBoost(false)
	src.Advance(time.Millisecond)
	assert.False(t, g.boosted(src.Now()))
}

func TestLimitsClampTarget(t *testing.T) {
	reg, p, _, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	require.NoError(t, reg.SetUserLimits(p, 960000, 2265600))

	cs := g.states[0]
	cs.targetMu.Lock()
	target := cs.targetFreq
	cs.targetMu.Unlock()
	assert.Equal(t, uint(960000), target)
}

func TestStopDuringTransition(t *testing.T) {
	reg := cpufreq.NewRegistry(logr.Discard(), cpufreq.NewMemDriver(), cpufreq.NewBus(), 2)
	p, err := reg.AddPolicy([]int{0}, cpufreq.NewTable(testFreqs), time.Millisecond)
	require.NoError(t, err)
	src := sampling.NewManualSource()

	// Subscribed ahead of the governor, so this handler runs while the
	// speed-change worker still holds the unit's state lock and before
	// the governor's own transition hook. A stop issued here must not
	// wedge behind that lock.
	var g *Governor
	stopped := make(chan struct{})
	var once sync.Once
	reg.Bus().SubscribeTransition(func(cpufreq.TransitionEvent) {
		once.Do(func() {
			go func() {
				g.Stop(p)
				close(stopped)
			}()
			// Let the stop queue up as a writer first.
			time.Sleep(50 * time.Millisecond)
		})
	})

	g = New(logr.Discard(), reg, src)
	t.Cleanup(g.Close)
	tun := DefaultTunables()
	tun.TimerRate = time.Hour
	require.NoError(t, g.Update(tun))
	require.NoError(t, g.Start(p))

	g.Boostpulse()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop wedged behind an in-flight transition")
	}
}

func TestHotplugQuiescesAndResumes(t *testing.T) {
	reg, p, src, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))

	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])
	g.waitCur(t, p, 2265600)

	reg.SetOnline(0, false)

	cs := g.states[0]
	cs.mu.RLock()
	enabled := cs.enabled
	cs.mu.RUnlock()
	assert.False(t, enabled)

	// A late evaluation against the offline unit does nothing.
	src.Window(0, 200*time.Millisecond, 0)
	g.evaluate(cs)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint(2265600), p.Cur())

	// Coming back online re-arms the evaluation timer and scaling
	// continues from a fresh baseline.
	reg.SetOnline(0, true)
	cs.mu.RLock()
	enabled = cs.enabled
	cs.mu.RUnlock()
	require.True(t, enabled)

	src.Window(0, 200*time.Millisecond, 0)
	g.evaluate(cs)
	g.waitCur(t, p, 300000)
}

func TestSpeedchangeAggregatesPolicy(t *testing.T) {
	reg := cpufreq.NewRegistry(logr.Discard(), cpufreq.NewMemDriver(), cpufreq.NewBus(), 2)
	p, err := reg.AddPolicy([]int{0, 1}, cpufreq.NewTable(testFreqs), time.Millisecond)
	require.NoError(t, err)
	src := sampling.NewManualSource()

	g := New(logr.Discard(), reg, src)
	t.Cleanup(g.Close)
	tun := DefaultTunables()
	tun.TimerRate = time.Hour
	require.NoError(t, g.Update(tun))
	require.NoError(t, g.Start(p))

	var transitions atomic.Int32
	unsub := reg.Bus().SubscribeTransition(func(cpufreq.TransitionEvent) {
		transitions.Add(1)
	})
	defer unsub()

	// Unit 0 half busy and unit 1 fully busy over the same window: the
	// policy follows the busiest member in a single transition.
	src.Advance(200 * time.Millisecond)
	src.AddIdle(0, 100*time.Millisecond)
	g.evaluate(g.states[0])
	g.evaluate(g.states[1])

	g.waitCur(t, p, 2265600)
	assert.Equal(t, int32(1), transitions.Load())

	// The hispeed validation stamp of the winning unit lands on every
	// member.
	for _, cs := range []*cpuState{g.states[0], g.states[1]} {
		cs.targetMu.Lock()
		hvt := cs.hispeedValidate
		cs.targetMu.Unlock()
		assert.Equal(t, 200*time.Millisecond, hvt)
	}
}

func TestStopQuiesces(t *testing.T) {
	_, p, src, g := newFixture(t, nil)
	require.NoError(t, g.Start(p))
	g.Stop(p)

	// A late evaluation after stop does nothing.
	src.Window(0, 100*time.Millisecond, 100)
	g.evaluate(g.states[0])

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint(300000), p.Cur())
}
