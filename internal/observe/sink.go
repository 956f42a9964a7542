// Package observe is the logging and metrics surface handed to every
// pipeline component. Nothing in it is process-global: each Sink owns its
// own collectors and registers them with the registry it is given.
package observe

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded by Count.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Sink is the observability dependency of the gateway, consumer and
// reprocessor.
type Sink interface {
	Logger() *slog.Logger
	Count(operation, outcome string)
	Observe(operation string, d time.Duration)
	Timed(ctx context.Context, operation string, fn func(context.Context) error) error
}

// PrometheusSink logs through slog and records metrics in Prometheus.
type PrometheusSink struct {
	logger     *slog.Logger
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// New builds a sink and registers its collectors with reg. A nil reg uses
// a fresh private registry.
func New(logger *slog.Logger, reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &PrometheusSink{
		logger: logger,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_operations_total",
				Help: "Pipeline operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_operation_duration_seconds",
				Help:    "Duration of pipeline operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
	reg.MustRegister(s.operations, s.durations)
	return s
}

func (s *PrometheusSink) Logger() *slog.Logger {
	return s.logger
}

func (s *PrometheusSink) Count(operation, outcome string) {
	s.operations.WithLabelValues(operation, outcome).Inc()
}

func (s *PrometheusSink) Observe(operation string, d time.Duration) {
	s.durations.WithLabelValues(operation).Observe(d.Seconds())
}

// Timed runs fn, then records its duration and outcome under operation.
func (s *PrometheusSink) Timed(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	s.Observe(operation, elapsed)
	if err != nil {
		s.Count(operation, OutcomeError)
		s.logger.Debug("operation failed",
			"operation", operation,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return err
	}
	s.Count(operation, OutcomeSuccess)
	return nil
}

// Counter exposes the counter behind Count, for tests and admin views.
func (s *PrometheusSink) Counter(operation, outcome string) prometheus.Counter {
	return s.operations.WithLabelValues(operation, outcome)
}
