package monitoring

import (
	"strconv"

	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/alesaiko/breakfast-hammerhead/internal/cpufreq"
)

// TransitionObserver counts attempted policy transitions. It satisfies
// cpufreq.TransitionObserver and is installed on the registry before
// governors start.
type TransitionObserver struct {
	log         logr.Logger
	transitions *prom.CounterVec
	failures    *prom.CounterVec
}

func NewTransitionObserver(promReg prom.Registerer, logger logr.Logger) *TransitionObserver {
	o := &TransitionObserver{
		log: logger.WithName(scalingSubsystem),
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: scalingSubsystem,
			Name:      "transitions_total",
			Help:      "Counter of completed policy frequency transitions",
		}, []string{"policy"}),
		failures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: scalingSubsystem,
			Name:      "transition_failures_total",
			Help:      "Counter of policy frequency transitions rejected by the driver",
		}, []string{"policy"}),
	}
	promReg.MustRegister(o.transitions, o.failures)
	return o
}

func (o *TransitionObserver) TransitionDone(p *cpufreq.Policy, freq uint) {
	o.transitions.WithLabelValues(strconv.Itoa(p.Leader())).Inc()
}

func (o *TransitionObserver) TransitionFailed(p *cpufreq.Policy, target uint) {
	o.log.V(4).Info("transition failure recorded", "policy", p.Leader(), "target", target)
	o.failures.WithLabelValues(strconv.Itoa(p.Leader())).Inc()
}
