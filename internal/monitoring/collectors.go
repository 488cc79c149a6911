package monitoring

import (
	"strconv"

	"golang.org/x/exp/constraints"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
	"github.com/alesaiko/breakfast-hammerhead/internal/governor"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "cpufreq"

	LogTopName       string = "monitoring"
	scalingSubsystem string = "scaling"

	logNameKey string = "name"
)

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

type number interface {
	constraints.Integer | constraints.Float
}

// newPerUnitCollector is a generic factory of prometheus Collectors for
// metrics that are unit bound. readFunc is invoked at scrape time for
// every unit the registry knows about.
func newPerUnitCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	reg *cpufreq.Registry, readFunc func(unit int) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"unit", "policy"},
		nil,
	)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, unit := range reg.OnlineUnits() {
				p, err := reg.Policy(unit)
				if err != nil {
					continue
				}
				log.V(5).Info("Collecting metrics for prometheus", "unit", unit)
				if val, err := readFunc(unit); err == nil {
					ch <- prom.MustNewConstMetric(
						desc,
						metricType,
						float64(val),
						strconv.Itoa(unit),
						strconv.Itoa(p.Leader()),
					)
				} else {
					log.V(5).Info("error reading metric value", "unit", unit, "error", err.Error())
				}
			}
		},
	}
}

// newPerPolicyCollector is a generic factory of prometheus Collectors
// for metrics that are policy bound.
func newPerPolicyCollector[T number](metricName, metricDesc string, metricType prom.ValueType,
	reg *cpufreq.Registry, readFunc func(p *cpufreq.Policy) (T, error), log logr.Logger,
) prom.Collector {
	desc := prom.NewDesc(
		metricName,
		metricDesc,
		[]string{"policy"},
		nil,
	)

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- desc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			for _, p := range reg.Policies() {
				log.V(5).Info("Collecting metrics for prometheus", "policy", p.Leader())
				if val, err := readFunc(p); err == nil {
					ch <- prom.MustNewConstMetric(
						desc,
						metricType,
						float64(val),
						strconv.Itoa(p.Leader()),
					)
				} else {
					log.V(5).Info("error reading metric value", "policy", p.Leader(), "error", err.Error())
				}
			}
		},
	}
}

// RegisterScalingCollectors wires the frequency and load collectors
// into the given prometheus registry.
func RegisterScalingCollectors(promReg prom.Registerer, reg *cpufreq.Registry,
	sampler *governor.Sampler, logger logr.Logger,
) {
	logger = logger.WithName(scalingSubsystem)

	promReg.MustRegister(
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "current_frequency_khz"),
			"Gauge of the current policy frequency in kHz",
			prom.GaugeValue,
			reg,
			func(p *cpufreq.Policy) (uint, error) { return p.Cur(), nil },
			logger.WithValues(logNameKey, "current_frequency_khz"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "min_frequency_khz"),
			"Gauge of the effective minimum policy frequency in kHz",
			prom.GaugeValue,
			reg,
			func(p *cpufreq.Policy) (uint, error) { return p.Snapshot().Min, nil },
			logger.WithValues(logNameKey, "min_frequency_khz"),
		),
		newPerPolicyCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "max_frequency_khz"),
			"Gauge of the effective maximum policy frequency in kHz",
			prom.GaugeValue,
			reg,
			func(p *cpufreq.Policy) (uint, error) { return p.Snapshot().Max, nil },
			logger.WithValues(logNameKey, "max_frequency_khz"),
		),
		newPerUnitCollector(
			prom.BuildFQName(promNamespace, scalingSubsystem, "unit_load_percent"),
			"Gauge of the last sampled unit load in percent",
			prom.GaugeValue,
			reg,
			func(unit int) (uint, error) { return sampler.Block(unit).MaxLoad(), nil },
			logger.WithValues(logNameKey, "unit_load_percent"),
		),
	)
	logger.V(4).Info("New scaling prometheus Collectors registered")
}
