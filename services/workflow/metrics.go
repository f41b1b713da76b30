package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	simulationRuns  *prometheus.CounterVec
	simulationSteps *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	publishes       *prometheus.CounterVec
	approvals       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		simulationRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_simulation_runs_total",
				Help: "Total number of simulation runs by outcome",
			},
			[]string{"outcome"},
		),
		simulationSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_simulation_steps_total",
				Help: "Total number of simulated steps by result",
			},
			[]string{"result"},
		),
		stepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_simulation_step_duration_seconds",
				Help:    "Wall-clock duration of a simulated step including dispatch",
				Buckets: prometheus.DefBuckets,
			},
		),
		publishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_publish_attempts_total",
				Help: "Total number of publish attempts by outcome",
			},
			[]string{"outcome"},
		),
		approvals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_approval_events_total",
				Help: "Total number of human approval gate events",
			},
			[]string{"event"},
		),
	}
}

func (m *Metrics) runFinished(outcome string) {
	if m == nil {
		return
	}
	m.simulationRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) stepFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.simulationSteps.WithLabelValues(result).Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) publishAttempt(outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) approvalEvent(event string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(event).Inc()
}
