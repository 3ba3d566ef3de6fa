// Package metrics exposes Prometheus collectors for tree operations,
// the relation cache and the search worker.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mindtree"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics groups the collectors. Build it with New.
type Metrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	trashedRoots prometheus.Gauge
	commits      prometheus.Counter
	promoted     prometheus.Counter
	violations   prometheus.Counter
	queries      *prometheus.CounterVec
	matches      prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid clashes with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Tree and command operations by component, operation and outcome",
		}, []string{"component", "op", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"component", "op"}),
		trashedRoots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trashed_roots",
			Help:      "Subtree roots currently in the trash",
		}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Successful commits",
		}),
		promoted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promoted_ids_total",
			Help:      "Provisional ids replaced by durable ids at commit",
		}),
		violations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Violations reported by the invariant verifier",
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Search queries by outcome",
		}, []string{"outcome"}),
		matches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_matches_total",
			Help:      "Matches emitted by the search worker",
		}),
	}
}

// Observe records one operation that started at start.
func (m *Metrics) Observe(component, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(component, op, outcome(err)).Inc()
	m.duration.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
}

// SetTrashedRoots sets the trashed-roots gauge.
func (m *Metrics) SetTrashedRoots(n int) {
	if m == nil {
		return
	}
	m.trashedRoots.Set(float64(n))
}

// Commit records a commit that promoted n ids.
func (m *Metrics) Commit(promoted int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.promoted.Add(float64(promoted))
}

// Violations adds n verifier violations.
func (m *Metrics) Violations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.violations.Add(float64(n))
}

// Query records a finished search query and its match count.
func (m *Metrics) Query(err error, matches int) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome(err)).Inc()
	m.matches.Add(float64(matches))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
