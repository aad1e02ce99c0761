package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/refinery/internal/orchestrator"

// loopMetrics holds loop-level OpenTelemetry instruments. A nil instrument is
// skipped.
type loopMetrics struct {
	runs             metric.Int64Counter
	rounds           metric.Int64Histogram
	observerFailures metric.Int64Counter
}

func newLoopMetrics(meter metric.Meter, logger *zap.Logger) *loopMetrics {
	m := &loopMetrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"refinery.loop.runs_total",
		metric.WithDescription("Completed loop runs labeled by status and reason class"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create runs counter", zap.Error(err))
	}

	m.rounds, err = meter.Int64Histogram(
		"refinery.loop.rounds",
		metric.WithDescription("Validator calls per run"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 7, 10, 15, 20),
	)
	if err != nil {
		logger.Warn("failed to create rounds histogram", zap.Error(err))
	}

	m.observerFailures, err = meter.Int64Counter(
		"refinery.loop.observer_failures_total",
		metric.WithDescription("Observer handoffs that returned an error or panicked"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		logger.Warn("failed to create observer failures counter", zap.Error(err))
	}

	return m
}

func (m *loopMetrics) recordRun(ctx context.Context, outcome *Outcome) {
	class := string(outcome.Reason)
	if class == "" {
		class = "none"
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.String("reason_class", class),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.rounds != nil && outcome.Record != nil {
		m.rounds.Record(ctx, int64(outcome.Record.Rounds()), attrs)
	}
}

func (m *loopMetrics) recordObserverFailure(ctx context.Context) {
	if m.observerFailures != nil {
		m.observerFailures.Add(ctx, 1)
	}
}
