package boost

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
)

var testFreqs = []uint{300000, 652800, 960000, 1497600, 2265600}

// newFixture builds two single-unit policies so migrations have a
// distinct source and destination.
func newFixture(t *testing.T) (*Booster, *cpufreq.Registry, *cpufreq.Policy, *cpufreq.Policy) {
	t.Helper()

	reg := cpufreq.NewRegistry(logr.Discard(), cpufreq.NewMemDriver(), cpufreq.NewBus(), 2)

	p0, err := reg.AddPolicy([]int{0}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)
	p1, err := reg.AddPolicy([]int{1}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)

	b := New(logr.Discard(), reg)
	t.Cleanup(b.Close)
	return b, reg, p0, p1
}

func TestTunablesValidate(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Tunables)
		ok    bool
	}{
		{"defaults", func(*Tunables) {}, true},
		{"negative boost duration", func(tun *Tunables) {
			tun.BoostDuration = -time.Second
		}, false},
		{"negative input duration", func(tun *Tunables) {
			tun.InputBoostDuration = -time.Second
		}, false},
		{"threshold over 100", func(tun *Tunables) {
			tun.MigrationLoadThreshold = 101
		}, false},
		{"zero input interval", func(tun *Tunables) {
			tun.MinInputInterval = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun := DefaultTunables()
			tt.tweak(&tun)
			err := tun.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	b, _, _, _ := newFixture(t)

	bad := DefaultTunables()
	bad.MinInputInterval = -time.Second
	assert.Error(t, b.Update(bad))
	assert.Equal(t, DefaultTunables(), b.Tunables())
}

func TestMigrationSyncRaisesDestFloor(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	// 50% of the destination maximum beats the idle source, so the
	// floor lands at 1132800 kHz and the frequency snaps up to the
	// next supported step.
	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 50})

	require.Eventually(t, func() bool {
		return p1.Cur() == 1497600
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(1132800), p1.Snapshot().Min)
}

func TestMigrationSyncBelowLoadThreshold(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 10})

	assert.Never(t, func() bool {
		return p1.Snapshot().Min != 300000
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMigrationSyncDisabledByZeroDuration(t *testing.T) {
	_, reg, _, p1 := newFixture(t)

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 100})

	assert.Never(t, func() bool {
		return p1.Snapshot().Min != 300000
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMigrationSyncFollowsSourceFrequency(t *testing.T) {
	b, reg, p0, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	require.NoError(t, reg.Transition(p0, 2265600, cpufreq.RelationHigh))

	// The load fraction alone asks for 906240 kHz, the busy source
	// wins.
	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 40})

	require.Eventually(t, func() bool {
		return p1.Cur() == 2265600
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(2265600), p1.Snapshot().Min)
}

func TestMigrationSyncCappedBySyncThreshold(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	tun.SyncThreshold = 960000
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 100})

	require.Eventually(t, func() bool {
		return p1.Cur() == 960000
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(960000), p1.Snapshot().Min)
}

func TestMigrationSyncSkipsFloorAtHardwareMinimum(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	tun.SyncThreshold = 300000
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 100})

	assert.Never(t, func() bool {
		return p1.Snapshot().Min != 300000
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMigrationSyncLiftsSharedPolicy(t *testing.T) {
	reg := cpufreq.NewRegistry(logr.Discard(), cpufreq.NewMemDriver(), cpufreq.NewBus(), 3)
	_, err := reg.AddPolicy([]int{0}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)
	shared, err := reg.AddPolicy([]int{1, 2}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)

	b := New(logr.Discard(), reg)
	t.Cleanup(b.Close)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	// The destination is not its policy leader; the floor must still
	// lift the shared policy.
	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 2, TaskLoad: 50})

	require.Eventually(t, func() bool {
		return shared.Cur() == 1497600
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(1132800), shared.Snapshot().Min)
}

func TestMigrationBoostExpires(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = 30 * time.Millisecond
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 50})

	require.Eventually(t, func() bool {
		return p1.Cur() == 1497600
	}, time.Second, time.Millisecond)

	// The floor drops on expiry. The frequency stays put until a
	// governor decides otherwise.
	require.Eventually(t, func() bool {
		return p1.Snapshot().Min == 300000
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(1497600), p1.Cur())
}

func TestMigrationSyncWithoutLoadTracking(t *testing.T) {
	b, reg, p0, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	tun.LoadBasedSyncs = false
	require.NoError(t, b.Update(tun))

	require.NoError(t, reg.Transition(p0, 960000, cpufreq.RelationHigh))

	// Without load tracking the reported load is ignored entirely, the
	// destination only follows the source frequency.
	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 10})

	require.Eventually(t, func() bool {
		return p1.Cur() == 960000
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(960000), p1.Snapshot().Min)
}

func TestMigrationFloorCappedByPolicyMax(t *testing.T) {
	b, reg, p0, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	require.NoError(t, reg.SetUserLimits(p1, 300000, 960000))
	require.NoError(t, reg.Transition(p0, 2265600, cpufreq.RelationHigh))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 100})

	require.Eventually(t, func() bool {
		return p1.Cur() == 960000
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(960000), p1.Snapshot().Min)
}

func TestInputBoost(t *testing.T) {
	b, reg, p0, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.InputBoostDuration = time.Hour
	require.NoError(t, b.Update(tun))
	require.NoError(t, b.SetInputBoostFreq("1497600"))

	reg.Bus().PublishInput(cpufreq.InputEvent{})

	require.Eventually(t, func() bool {
		return p0.Cur() == 1497600 && p1.Cur() == 1497600
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint(1497600), p0.Snapshot().Min)
	assert.Equal(t, uint(1497600), p1.Snapshot().Min)
}

func TestInputBoostExpires(t *testing.T) {
	b, reg, p0, _ := newFixture(t)

	tun := DefaultTunables()
	tun.InputBoostDuration = 30 * time.Millisecond
	require.NoError(t, b.Update(tun))
	require.NoError(t, b.SetInputBoostFreq("960000"))

	reg.Bus().PublishInput(cpufreq.InputEvent{})

	require.Eventually(t, func() bool {
		return p0.Snapshot().Min == 960000
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return p0.Snapshot().Min == 300000
	}, time.Second, time.Millisecond)
}

func TestInputBoostRequiresFrequency(t *testing.T) {
	b, reg, p0, _ := newFixture(t)

	tun := DefaultTunables()
	tun.InputBoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishInput(cpufreq.InputEvent{})

	assert.Never(t, func() bool {
		return p0.Snapshot().Min != 300000
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestInputBoostDisabledByZeroDuration(t *testing.T) {
	b, reg, p0, _ := newFixture(t)

	require.NoError(t, b.SetInputBoostFreq("960000"))

	reg.Bus().PublishInput(cpufreq.InputEvent{})

	assert.Never(t, func() bool {
		return p0.Snapshot().Min != 300000
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSetInputBoostFreq(t *testing.T) {
	b, _, _, _ := newFixture(t)

	// Nothing configured renders as nothing.
	assert.Equal(t, "", b.InputBoostFreq())

	require.NoError(t, b.SetInputBoostFreq("652800"))
	assert.Equal(t, "0:652800 1:652800", b.InputBoostFreq())

	require.NoError(t, b.SetInputBoostFreq("0:960000 1:1497600"))
	assert.Equal(t, "0:960000 1:1497600", b.InputBoostFreq())

	// Units left at zero are omitted.
	require.NoError(t, b.SetInputBoostFreq("1:0"))
	assert.Equal(t, "0:960000", b.InputBoostFreq())

	assert.Error(t, b.SetInputBoostFreq("junk"))
	assert.Error(t, b.SetInputBoostFreq("0:junk"))
	assert.Error(t, b.SetInputBoostFreq("5:960000"))
	assert.Error(t, b.SetInputBoostFreq("0:960000 1497600"))
}

func TestHotplugDropsUnitFloors(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 50})
	require.Eventually(t, func() bool {
		return p1.Cur() == 1497600
	}, time.Second, time.Millisecond)

	// The floor goes away with the unit; the next adjust cycle no
	// longer sees it.
	reg.SetOnline(1, false)
	require.NoError(t, reg.Refresh(p1))
	assert.Equal(t, uint(300000), p1.Snapshot().Min)
}

func TestCloseDropsFloors(t *testing.T) {
	b, reg, _, p1 := newFixture(t)

	tun := DefaultTunables()
	tun.BoostDuration = time.Hour
	require.NoError(t, b.Update(tun))

	reg.Bus().PublishMigration(cpufreq.MigrationEvent{SrcUnit: 0, DestUnit: 1, TaskLoad: 50})
	require.Eventually(t, func() bool {
		return p1.Cur() == 1497600
	}, time.Second, time.Millisecond)

	b.Close()

	require.NoError(t, reg.Refresh(p1))
	assert.Equal(t, uint(300000), p1.Snapshot().Min)
}
