package monitoring

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor"
	"github.com/alesaiko/breakfast-hammerhead/internal/sampling"
)

var testFreqs = []uint{300000, 652800, 960000, 1497600, 2265600}

func newScalingSetup(t *testing.T) (*prom.Registry, *cpufreq.Registry, *cpufreq.MemDriver, *governor.Sampler) {
	t.Helper()

	driver := cpufreq.NewMemDriver()
	reg := cpufreq.NewRegistry(logr.Discard(), driver, cpufreq.NewBus(), 2)
	_, err := reg.AddPolicy([]int{0, 1}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)

	sampler := governor.NewSampler(logr.Discard(), sampling.NewManualSource(), reg)

	promReg := prom.NewRegistry()
	RegisterScalingCollectors(promReg, reg, sampler, logr.Discard())
	return promReg, reg, driver, sampler
}

func TestScalingCollectors(t *testing.T) {
	promReg, reg, _, sampler := newScalingSetup(t)

	p, err := reg.Policy(0)
	require.NoError(t, err)
	require.NoError(t, reg.Transition(p, 960000, cpufreq.RelationClosest))
	sampler.Block(0).SeedLoad(42)

	expected := `
# HELP cpufreq_scaling_current_frequency_khz Gauge of the current policy frequency in kHz
# TYPE cpufreq_scaling_current_frequency_khz gauge
cpufreq_scaling_current_frequency_khz{policy="0"} 960000
# HELP cpufreq_scaling_min_frequency_khz Gauge of the effective minimum policy frequency in kHz
# TYPE cpufreq_scaling_min_frequency_khz gauge
cpufreq_scaling_min_frequency_khz{policy="0"} 300000
# HELP cpufreq_scaling_max_frequency_khz Gauge of the effective maximum policy frequency in kHz
# TYPE cpufreq_scaling_max_frequency_khz gauge
cpufreq_scaling_max_frequency_khz{policy="0"} 2265600
# HELP cpufreq_scaling_unit_load_percent Gauge of the last sampled unit load in percent
# TYPE cpufreq_scaling_unit_load_percent gauge
cpufreq_scaling_unit_load_percent{policy="0",unit="0"} 42
cpufreq_scaling_unit_load_percent{policy="0",unit="1"} 0
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"cpufreq_scaling_current_frequency_khz",
		"cpufreq_scaling_min_frequency_khz",
		"cpufreq_scaling_max_frequency_khz",
		"cpufreq_scaling_unit_load_percent",
	))
}

func TestScalingCollectorsSkipOfflineUnits(t *testing.T) {
	promReg, reg, _, _ := newScalingSetup(t)

	reg.SetOnline(1, false)

	count, err := testutil.GatherAndCount(promReg, "cpufreq_scaling_unit_load_percent")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransitionObserver(t *testing.T) {
	driver := cpufreq.NewMemDriver()
	reg := cpufreq.NewRegistry(logr.Discard(), driver, cpufreq.NewBus(), 2)
	p, err := reg.AddPolicy([]int{0}, cpufreq.NewTable(testFreqs), 0)
	require.NoError(t, err)

	promReg := prom.NewRegistry()
	obs := NewTransitionObserver(promReg, logr.Discard())
	reg.SetObserver(obs)

	require.NoError(t, reg.Transition(p, 960000, cpufreq.RelationClosest))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.transitions.WithLabelValues("0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.failures.WithLabelValues("0")))

	driver.FailUnit(0, errors.New("bad frequency"))
	assert.Error(t, reg.Transition(p, 1497600, cpufreq.RelationClosest))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.transitions.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.failures.WithLabelValues("0")))
}
