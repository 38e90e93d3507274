package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type economyMetrics struct {
	events      *prometheus.CounterVec
	escrowOps   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	salary      prometheus.Counter
	rulings     *prometheus.HistogramVec
}

var (
	economyMetricsOnce sync.Once
	economyRegistry    *economyMetrics
)

// Economy returns the lazily-initialised metrics registry tracking ledger and
// lifecycle activity across the services.
func Economy() *economyMetrics {
	economyMetricsOnce.Do(func() {
		economyRegistry = &economyMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "events",
				Name:      "appended_total",
				Help:      "Count of event log appends segmented by event type.",
			}, []string{"type"}),
			escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "bank",
				Name:      "escrow_operations_total",
				Help:      "Escrow lock/release/split operations segmented by outcome.",
			}, []string{"operation", "outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "board",
				Name:      "task_transitions_total",
				Help:      "Task lifecycle transitions segmented by target status and trigger.",
			}, []string{"status", "trigger"}),
			salary: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agora",
				Subsystem: "bank",
				Name:      "salary_rounds_total",
				Help:      "Salary rounds that credited at least one account.",
			}),
			rulings: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agora",
				Subsystem: "court",
				Name:      "ruling_worker_pct",
				Help:      "Distribution of ruled worker percentages.",
				Buckets:   []float64{0, 10, 25, 50, 75, 90, 100},
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			economyRegistry.events,
			economyRegistry.escrowOps,
			economyRegistry.transitions,
			economyRegistry.salary,
			economyRegistry.rulings,
		)
	})
	return economyRegistry
}

// RecordEvent increments the append counter for an event type.
func (m *economyMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// RecordEscrowOp counts one escrow operation attempt.
func (m *economyMetrics) RecordEscrowOp(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.escrowOps.WithLabelValues(operation, outcome).Inc()
}

// RecordTransition counts a task lifecycle transition. Trigger is "request"
// for caller-driven transitions and "sweeper" for timer-driven ones.
func (m *economyMetrics) RecordTransition(status, trigger string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, trigger).Inc()
}

// RecordSalaryRound counts a salary round that performed work.
func (m *economyMetrics) RecordSalaryRound() {
	if m == nil {
		return
	}
	m.salary.Inc()
}

// RecordRuling observes a ruled worker percentage.
func (m *economyMetrics) RecordRuling(workerPct int, allAbstained bool) {
	if m == nil {
		return
	}
	outcome := "judged"
	if allAbstained {
		outcome = "default"
	}
	m.rulings.WithLabelValues(outcome).Observe(float64(workerPct))
}
