package governor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
)

type stubChecker struct {
	rate   time.Duration
	checks atomic.Int32
}

func (c *stubChecker) CheckPolicy(cb *ControlBlock)   { c.checks.Add(1) }
func (c *stubChecker) SamplingRate() time.Duration    { return c.rate }
func (c *stubChecker) RateMult(p *cpufreq.Policy) int { return 1 }
func (c *stubChecker) IOBusy() bool                   { return true }

func TestMonitorStartStop(t *testing.T) {
	reg, p, _, s := newFixture(t, 0, 1)

	checker := &stubChecker{rate: time.Hour}
	m := NewMonitor(logr.Discard(), reg, s, checker)
	defer m.Close()

	require.NoError(t, m.Start(p))
	assert.Error(t, m.Start(p))

	assert.Same(t, p, s.Block(0).Policy())
	assert.Same(t, p, s.Block(1).Policy())

	m.Stop(p)
	assert.Nil(t, s.Block(0).Policy())
	assert.Nil(t, s.Block(1).Policy())

	// Stopping again is a no-op.
	m.Stop(p)
}

func TestMonitorPoll(t *testing.T) {
	reg, p, _, s := newFixture(t, 0)

	checker := &stubChecker{rate: time.Hour}
	m := NewMonitor(logr.Discard(), reg, s, checker)
	defer m.Close()

	// Not started yet: nothing to poll.
	m.Poll(p)
	assert.Zero(t, checker.checks.Load())

	require.NoError(t, m.Start(p))
	m.Poll(p)
	assert.Equal(t, int32(1), checker.checks.Load())
}

func TestMonitorLimitsTriggerPoll(t *testing.T) {
	reg, p, _, s := newFixture(t, 0)

	checker := &stubChecker{rate: time.Hour}
	m := NewMonitor(logr.Discard(), reg, s, checker)
	defer m.Close()

	require.NoError(t, m.Start(p))
	require.NoError(t, reg.SetUserLimits(p, 652800, 2265600))

	assert.Equal(t, int32(1), checker.checks.Load())
}

func TestMonitorHotplugGatesChecks(t *testing.T) {
	reg, p, _, s := newFixture(t, 0)

	checker := &stubChecker{rate: time.Hour}
	m := NewMonitor(logr.Discard(), reg, s, checker)
	defer m.Close()

	require.NoError(t, m.Start(p))

	// No decision pass runs while every member unit is offline.
	reg.SetOnline(0, false)
	m.Poll(p)
	assert.Zero(t, checker.checks.Load())

	// Coming back online triggers an immediate pass.
	reg.SetOnline(0, true)
	assert.Equal(t, int32(1), checker.checks.Load())
}

func TestMonitorKick(t *testing.T) {
	reg, p, _, s := newFixture(t, 0)

	checker := &stubChecker{rate: time.Hour}
	m := NewMonitor(logr.Discard(), reg, s, checker)
	defer m.Close()

	require.NoError(t, m.Start(p))

	// A kick beating the pending hour-long deadline fires promptly.
	m.Kick(p, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return checker.checks.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}
