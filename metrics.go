package quarry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExecutorMetrics records executor calls by backend, entity type and
// operation ("search" or "count").
type ExecutorMetrics struct {
	calls    *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewExecutorMetrics registers the collectors with reg. Registering twice on
// the same registerer panics, as promauto does.
func NewExecutorMetrics(reg prometheus.Registerer) *ExecutorMetrics {
	f := promauto.With(reg)
	return &ExecutorMetrics{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_executor_calls_total",
				Help: "Total number of executor calls",
			},
			[]string{"backend", "type", "op", "status"},
		),
		rows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quarry_executor_rows_total",
				Help: "Total number of rows returned by searches",
			},
			[]string{"backend", "type"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quarry_executor_duration_seconds",
				Help:    "Executor call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "op"},
		),
	}
}

// Instrument wraps ex so every call is recorded under backend.
func (m *ExecutorMetrics) Instrument(backend string, ex Executor) Executor {
	return &instrumentedExecutor{backend: backend, next: ex, m: m}
}

type instrumentedExecutor struct {
	backend string
	next    Executor
	m       *ExecutorMetrics
}

func (e *instrumentedExecutor) observe(plan *Plan, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.m.calls.WithLabelValues(e.backend, plan.Type, op, status).Inc()
	e.m.duration.WithLabelValues(e.backend, op).Observe(time.Since(start).Seconds())
}

func (e *instrumentedExecutor) Run(ctx context.Context, plan *Plan) ([][]any, error) {
	start := time.Now()
	rows, err := e.next.Run(ctx, plan)
	e.observe(plan, "search", start, err)
	if err == nil {
		e.m.rows.WithLabelValues(e.backend, plan.Type).Add(float64(len(rows)))
	}
	return rows, err
}

func (e *instrumentedExecutor) RunCount(ctx context.Context, plan *Plan) (int64, error) {
	start := time.Now()
	n, err := e.next.RunCount(ctx, plan)
	e.observe(plan, "count", start, err)
	return n, err
}
