package cpufreq

import (
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFreqs = []uint{300000, 652800, 960000, 1497600, 2265600}

func newTestRegistry(t *testing.T, maxUnits int) (*Registry, *MemDriver) {
	t.Helper()
	driver := NewMemDriver()
	return NewRegistry(logr.Discard(), driver, NewBus(), maxUnits), driver
}

func TestAddPolicy(t *testing.T) {
	reg, _ := newTestRegistry(t, 4)

	p, err := reg.AddPolicy([]int{0, 1}, NewTable(testFreqs), time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Leader())
	assert.Equal(t, []int{0, 1}, p.Units())
	assert.Equal(t, time.Millisecond, p.TransitionLatency())

	lim := p.Snapshot()
	assert.Equal(t, uint(300000), lim.Cur)
	assert.Equal(t, uint(300000), lim.Min)
	assert.Equal(t, uint(2265600), lim.Max)

	assert.True(t, reg.IsOnline(0))
	assert.True(t, reg.IsOnline(1))
	assert.Equal(t, 2, reg.NumOnline())
}

func TestAddPolicyRejectsClaimedUnit(t *testing.T) {
	reg, _ := newTestRegistry(t, 4)

	_, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	_, err = reg.AddPolicy([]int{0, 1}, NewTable(testFreqs), 0)
	assert.Error(t, err)
}

func TestAddPolicyRejectsUnknownUnit(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)
	_, err := reg.AddPolicy([]int{5}, NewTable(testFreqs), 0)
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestTransition(t *testing.T) {
	reg, driver := newTestRegistry(t, 2)
	p, err := reg.AddPolicy([]int{0, 1}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	var events []TransitionEvent
	unsub := reg.Bus().SubscribeTransition(func(ev TransitionEvent) {
		events = append(events, ev)
	})
	defer unsub()

	require.NoError(t, reg.Transition(p, 900000, RelationClosest))
	assert.Equal(t, uint(960000), p.Cur())

	freq, err := driver.CurrentFrequency(0)
	require.NoError(t, err)
	assert.Equal(t, uint(960000), freq)

	require.Len(t, events, 1)
	assert.Equal(t, uint(300000), events[0].OldFreq)
	assert.Equal(t, uint(960000), events[0].NewFreq)
}

func TestTransitionNoopAtCurrent(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	seen := 0
	unsub := reg.Bus().SubscribeTransition(func(TransitionEvent) { seen++ })
	defer unsub()

	require.NoError(t, reg.Transition(p, 300000, RelationClosest))
	assert.Zero(t, seen)
}

func TestTransitionClampsToLimits(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	require.NoError(t, reg.SetUserLimits(p, 300000, 960000))
	require.NoError(t, reg.Transition(p, 2265600, RelationClosest))
	assert.Equal(t, uint(960000), p.Cur())
}

func TestTransitionDriverFailure(t *testing.T) {
	reg, driver := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	driver.FailUnit(0, errors.New("eio"))
	err = reg.Transition(p, 960000, RelationClosest)
	assert.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, uint(300000), p.Cur())
}

func TestSetUserLimitsForcesCurrentIntoRange(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	require.NoError(t, reg.SetUserLimits(p, 960000, 2265600))
	assert.Equal(t, uint(960000), p.Cur())

	require.NoError(t, reg.SetUserLimits(p, 300000, 652800))
	assert.Equal(t, uint(652800), p.Cur())
}

func TestSetUserLimitsRejectsInverted(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	assert.Error(t, reg.SetUserLimits(p, 960000, 300000))
}

func TestRefreshAppliesAdjustFloor(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	var floor uint = 960000
	unsub := reg.Bus().SubscribeAdjust(func(ev *AdjustEvent) {
		if floor > ev.Min {
			ev.Min = floor
		}
	})
	defer unsub()

	require.NoError(t, reg.Refresh(p))
	lim := p.Snapshot()
	assert.Equal(t, uint(960000), lim.Min)
	assert.Equal(t, uint(960000), lim.Cur)

	// An expired floor disappears on the next refresh.
	floor = 0
	require.NoError(t, reg.Refresh(p))
	lim = p.Snapshot()
	assert.Equal(t, uint(300000), lim.Min)
	assert.Equal(t, uint(960000), lim.Cur)
}

func TestRefreshPublishesLimitsOnce(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	seen := 0
	unsub := reg.Bus().SubscribeLimits(func(LimitsEvent) { seen++ })
	defer unsub()

	require.NoError(t, reg.SetUserLimits(p, 652800, 2265600))
	assert.Equal(t, 1, seen)

	// Unchanged limits stay quiet.
	require.NoError(t, reg.Refresh(p))
	assert.Equal(t, 1, seen)
}

func TestSetOnline(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)
	_, err := reg.AddPolicy([]int{0, 1}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	var events []HotplugEvent
	unsub := reg.Bus().SubscribeHotplug(func(ev HotplugEvent) {
		events = append(events, ev)
	})
	defer unsub()

	reg.SetOnline(1, false)
	assert.False(t, reg.IsOnline(1))
	assert.Equal(t, 1, reg.NumOnline())
	assert.Equal(t, []int{0}, reg.OnlineUnits())

	// Repeated offline is a no-op.
	reg.SetOnline(1, false)
	require.Len(t, events, 1)
	assert.Equal(t, HotplugEvent{Unit: 1, Online: false}, events[0])
}

type recordingObserver struct {
	done   []uint
	failed []uint
}

func (o *recordingObserver) TransitionDone(p *Policy, freq uint)     { o.done = append(o.done, freq) }
func (o *recordingObserver) TransitionFailed(p *Policy, target uint) { o.failed = append(o.failed, target) }

func TestTransitionObserver(t *testing.T) {
	reg, driver := newTestRegistry(t, 1)
	p, err := reg.AddPolicy([]int{0}, NewTable(testFreqs), 0)
	require.NoError(t, err)

	obs := &recordingObserver{}
	reg.SetObserver(obs)

	require.NoError(t, reg.Transition(p, 960000, RelationClosest))
	driver.FailUnit(0, errors.New("eio"))
	require.Error(t, reg.Transition(p, 2265600, RelationClosest))

	assert.Equal(t, []uint{960000}, obs.done)
	assert.Equal(t, []uint{2265600}, obs.failed)
}
