package observer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// Sink receives each observed record after it is appended to the log.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec *orchestrator.InteractionRecord) error
}

// Option configures a MetaObserver.
type Option func(*MetaObserver)

// WithSinks adds sinks records are fanned out to.
func WithSinks(sinks ...Sink) Option {
	return func(o *MetaObserver) { o.sinks = append(o.sinks, sinks...) }
}

// WithMetrics sets the Prometheus metrics to update.
func WithMetrics(m *Metrics) Option {
	return func(o *MetaObserver) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *MetaObserver) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPolicy sets the initial health policy.
func WithPolicy(p HealthPolicy) Option {
	return func(o *MetaObserver) { o.policy.Store(&p) }
}

// MetaObserver keeps the long-term log of interaction records and evaluates
// its health on demand. It is safe for concurrent use by many orchestrators.
type MetaObserver struct {
	log     *Log
	policy  atomic.Pointer[HealthPolicy]
	sinks   []Sink
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

var _ orchestrator.Observer = (*MetaObserver)(nil)

// New creates a MetaObserver with an empty log.
func New(opts ...Option) (*MetaObserver, error) {
	o := &MetaObserver{
		log:    NewLog(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	def := DefaultHealthPolicy()
	o.policy.Store(&def)

	for _, opt := range opts {
		opt(o)
	}
	if err := o.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return o, nil
}

// Observe appends rec to the log and publishes it to every sink.
//
// Sink failures are joined into the returned error. They never undo the
// append.
func (o *MetaObserver) Observe(ctx context.Context, rec *orchestrator.InteractionRecord) error {
	if err := o.Record(rec); err != nil {
		return err
	}

	var errs []error
	for _, sink := range o.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			if o.metrics != nil {
				o.metrics.RecordSinkFailure(sink.Name())
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Record appends rec to the log without publishing it to sinks. It is used
// for records that arrive from other processes.
func (o *MetaObserver) Record(rec *orchestrator.InteractionRecord) error {
	if rec == nil {
		return errors.New("nil interaction record")
	}

	size := o.log.Append(rec)
	if o.metrics != nil {
		o.metrics.RecordAppend(string(rec.Status))
	}
	o.logger.Debug("interaction recorded",
		zap.String("run.id", rec.RunID),
		zap.String("status", string(rec.Status)),
		zap.Int("rounds", rec.Rounds()),
		zap.Int("log_size", size),
	)
	return nil
}

// EvaluateHealth analyses the log under the active policy. It may run
// concurrently with Observe.
func (o *MetaObserver) EvaluateHealth(ctx context.Context) HealthReport {
	report := evaluate(o.log.Snapshot(), o.Policy(), o.now())

	if o.metrics != nil {
		o.metrics.SetHealth(report)
	}
	if report.Alerting() {
		fields := append(logging.ContextFields(ctx),
			zap.Strings("notes", report.Notes),
			zap.Int("records", report.Statistics.Records),
		)
		o.logger.Warn("health alert", fields...)
	}
	return report
}

// Policy returns the active health policy.
func (o *MetaObserver) Policy() HealthPolicy {
	return *o.policy.Load()
}

// SetPolicy replaces the active health policy. An invalid policy is rejected
// and the previous one stays active.
func (o *MetaObserver) SetPolicy(p HealthPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	o.policy.Store(&p)
	return nil
}

// Records returns a snapshot of the log, oldest first.
func (o *MetaObserver) Records() []*orchestrator.InteractionRecord {
	return o.log.Snapshot()
}

// Len returns the number of logged records.
func (o *MetaObserver) Len() int {
	return o.log.Len()
}
