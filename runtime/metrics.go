package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *runtimeMetrics
)

type runtimeMetrics struct {
	jobTransitions  *prometheus.CounterVec
	biddingOutcomes *prometheus.CounterVec
	manaSpends      prometheus.Counter
	manaCredits     prometheus.Counter
	moduleRuns      *prometheus.CounterVec
}

// newRuntimeMetrics lazily registers the runtime's Prometheus collectors.
// Process-wide registration keeps repeated Context constructions (tests,
// restarts within one process) from panicking on duplicate registration.
func newRuntimeMetrics() *runtimeMetrics {
	metricsInitOnce.Do(func() {
		m := &runtimeMetrics{
			jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "icn_runtime_job_transitions_total",
				Help: "Count of job lifecycle transitions by resulting state.",
			}, []string{"state"}),
			biddingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "icn_runtime_bidding_outcomes_total",
				Help: "Count of closed bidding windows by outcome.",
			}, []string{"outcome"}),
			manaSpends: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "icn_runtime_mana_spends_total",
				Help: "Count of successful mana debits issued by the runtime.",
			}),
			manaCredits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "icn_runtime_mana_credits_total",
				Help: "Count of mana credits issued by the runtime.",
			}),
			moduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "icn_runtime_module_executions_total",
				Help: "Count of sandboxed policy module executions by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(m.jobTransitions, m.biddingOutcomes, m.manaSpends, m.manaCredits, m.moduleRuns)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *runtimeMetrics) JobTransition(state string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(state).Inc()
}

func (m *runtimeMetrics) BiddingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.biddingOutcomes.WithLabelValues(outcome).Inc()
}

func (m *runtimeMetrics) ManaSpend() {
	if m == nil {
		return
	}
	m.manaSpends.Inc()
}

func (m *runtimeMetrics) ManaCredit() {
	if m == nil {
		return
	}
	m.manaCredits.Inc()
}

func (m *runtimeMetrics) ModuleRun(outcome string) {
	if m == nil {
		return
	}
	m.moduleRuns.WithLabelValues(outcome).Inc()
}
