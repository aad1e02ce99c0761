package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
)

// DefaultMaxIterations is the default validator call budget per run.
const DefaultMaxIterations = 5

// Config configures an Orchestrator.
type Config struct {
	// MaxIterations caps validator calls per run. Must be > 0.
	MaxIterations int `koanf:"max_iterations"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{MaxIterations: DefaultMaxIterations}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be > 0, got %d", c.MaxIterations)
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the out-of-band observer. A nil observer means none.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger sets the logger used for side-channel diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMeter overrides the global meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *Orchestrator) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithProgress sets a callback invoked on every state transition. It runs on
// the goroutine calling HandleRequest.
func WithProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.progress = cb }
}

// Orchestrator runs the generate-verify-repair loop. It holds no per-run
// state, so one Orchestrator may serve concurrent HandleRequest calls as long
// as its collaborators allow it.
type Orchestrator struct {
	generator Generator
	validator Validator
	observer  Observer
	cfg       Config

	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *loopMetrics
	progress ProgressCallback
	now      func() time.Time
}

// New creates an Orchestrator.
func New(gen Generator, val Validator, cfg Config, opts ...Option) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if val == nil {
		return nil, errors.New("validator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	o := &Orchestrator{
		generator: gen,
		validator: val,
		cfg:       cfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newLoopMetrics(o.meter, o.logger)

	return o, nil
}

// MaxIterations returns the configured validator call budget.
func (o *Orchestrator) MaxIterations() int {
	return o.cfg.MaxIterations
}

// run is the mutable state of one HandleRequest call.
type run struct {
	id      string
	state   State
	round   int
	record  *InteractionRecord
	current Artifact
	last    Feedback
	reason  Reason
	detail  string
}

// HandleRequest runs the loop for req and returns its Outcome.
//
// The returned Outcome is never nil. Its Record holds the history exactly as
// produced, including partial history on faults. ctx is passed to every
// collaborator call and checked at each transition; cancellation collapses
// the run to a collaborator fault.
func (o *Orchestrator) HandleRequest(ctx context.Context, req Request) *Outcome {
	runID := req.ID
	if runID == "" {
		runID = uuid.New().String()
	}
	ctx = logging.WithRunID(ctx, runID)

	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_request",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("max_iterations", o.cfg.MaxIterations),
		),
	)
	defer span.End()

	r := &run{
		id:    runID,
		state: StateStart,
		record: &InteractionRecord{
			RunID:     runID,
			Request:   req,
			Solutions: []Artifact{},
			Feedback:  []Feedback{},
			StartedAt: o.now(),
		},
	}

	for !r.state.Terminal() {
		if err := ctx.Err(); err != nil {
			o.fault(r, err.Error())
			continue
		}
		switch r.state {
		case StateStart:
			o.transition(r, StateProposing)
		case StateProposing:
			o.propose(ctx, r)
		case StateValidating:
			o.validate(ctx, r)
		case StateRepairing:
			o.repair(ctx, r)
		default:
			o.fault(r, fmt.Sprintf("unknown state %q", r.state))
		}
	}

	outcome := o.finish(r)

	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("rounds", r.record.Rounds()),
	)
	if outcome.Status == StatusFailed {
		span.SetStatus(codes.Error, outcome.FailureReason())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	o.metrics.recordRun(ctx, outcome)

	o.handoff(ctx, r.record)

	return outcome
}

func (o *Orchestrator) propose(ctx context.Context, r *run) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.propose")
	a, err := call(func() (Artifact, error) {
		return o.generator.Propose(ctx, r.record.Request)
	})
	endSpan(span, err)
	if err != nil {
		o.fault(r, fmt.Sprintf("generator propose: %v", err))
		return
	}
	if err := checkArtifact(a); err != nil {
		o.violation(r, err)
		return
	}

	r.current = a
	r.record.Solutions = append(r.record.Solutions, a)
	o.transition(r, StateValidating)
}

func (o *Orchestrator) validate(ctx context.Context, r *run) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.analyze",
		trace.WithAttributes(attribute.Int("round", r.round+1)),
	)
	fb, err := call(func() (Feedback, error) {
		return o.validator.Analyze(ctx, r.current)
	})
	endSpan(span, err)
	if err != nil {
		o.fault(r, fmt.Sprintf("validator analyze: %v", err))
		return
	}
	if err := checkFeedback(fb); err != nil {
		o.violation(r, err)
		return
	}

	r.round++
	r.last = fb
	r.record.Feedback = append(r.record.Feedback, fb)

	switch {
	case fb.Approved:
		o.transition(r, StateConverged)
	case r.round < o.cfg.MaxIterations:
		o.transition(r, StateRepairing)
	default:
		r.reason = ReasonConvergenceLimit
		o.transition(r, StateExhausted)
	}
}

func (o *Orchestrator) repair(ctx context.Context, r *run) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.repair",
		trace.WithAttributes(attribute.Int("round", r.round)),
	)
	a, err := call(func() (Artifact, error) {
		return o.generator.Repair(ctx, r.current, r.last)
	})
	endSpan(span, err)
	if err != nil {
		o.fault(r, fmt.Sprintf("generator repair: %v", err))
		return
	}
	if err := checkArtifact(a); err != nil {
		o.violation(r, err)
		return
	}

	r.current = a
	r.record.Solutions = append(r.record.Solutions, a)
	o.transition(r, StateValidating)
}

func (o *Orchestrator) fault(r *run, detail string) {
	r.reason = ReasonCollaboratorFault
	r.detail = detail
	o.transition(r, StateFailed)
}

func (o *Orchestrator) violation(r *run, err error) {
	r.reason = ReasonContractViolation
	r.detail = err.Error()
	o.transition(r, StateFailed)
}

func (o *Orchestrator) transition(r *run, next State) {
	r.state = next
	if o.progress != nil {
		o.progress(Progress{RunID: r.id, State: next, Round: r.round})
	}
}

// finish seals the record and builds the Outcome.
func (o *Orchestrator) finish(r *run) *Outcome {
	r.record.CompletedAt = o.now()

	outcome := &Outcome{Record: r.record}
	if r.state == StateConverged {
		a := r.current
		outcome.Status = StatusConverged
		outcome.Artifact = &a
	} else {
		outcome.Status = StatusFailed
		outcome.Reason = r.reason
		outcome.Detail = r.detail
	}

	r.record.Status = outcome.Status
	r.record.Reason = outcome.FailureReason()
	return outcome
}

// handoff gives the observer its own copy of the record. This is the only
// place the observer's presence is checked.
func (o *Orchestrator) handoff(ctx context.Context, rec *InteractionRecord) {
	if o.observer == nil {
		return
	}

	ctx, span := o.tracer.Start(context.WithoutCancel(ctx), "orchestrator.observe")
	defer span.End()

	if err := observeSafely(ctx, o.observer, rec.Clone()); err != nil {
		span.RecordError(err)
		o.metrics.recordObserverFailure(ctx)
		fields := append(logging.ContextFields(ctx), zap.Error(err))
		o.logger.Warn("observer failed; outcome unaffected", fields...)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
