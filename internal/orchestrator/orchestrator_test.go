package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/telemetry"
)

func TestNew(t *testing.T) {
	gen := &versionGenerator{}
	val := &approveAtValidator{}

	_, err := New(nil, val, DefaultConfig())
	assert.EqualError(t, err, "generator is required")

	_, err = New(gen, nil, DefaultConfig())
	assert.EqualError(t, err, "validator is required")

	_, err = New(gen, val, Config{MaxIterations: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations must be > 0")

	o, err := New(gen, val, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, o.MaxIterations())
	assert.Nil(t, o.observer)
}

func TestHandleRequest_ImmediateApproval(t *testing.T) {
	gen := &MockGenerator{}
	val := &MockValidator{}
	artifact := Artifact{Content: `{"ok":true}`}

	gen.On("Propose", mock.Anything, Request{ID: "a", Payload: "task"}).Return(artifact, nil).Once()
	val.On("Analyze", mock.Anything, artifact).Return(approved(), nil).Once()

	outcome := newTestOrchestrator(gen, val, 5).HandleRequest(context.Background(), Request{ID: "a", Payload: "task"})

	require.NotNil(t, outcome)
	assert.Equal(t, StatusConverged, outcome.Status)
	assert.True(t, outcome.Converged())
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, artifact, *outcome.Artifact)
	assert.NoError(t, outcome.Err())
	assert.Empty(t, outcome.FailureReason())
	assert.Len(t, outcome.Record.Solutions, 1)
	assert.Len(t, outcome.Record.Feedback, 1)
	assert.Equal(t, StatusConverged, outcome.Record.Status)

	gen.AssertExpectations(t)
	gen.AssertNotCalled(t, "Repair", mock.Anything, mock.Anything, mock.Anything)
	val.AssertExpectations(t)
}

func TestHandleRequest_Exhaustion(t *testing.T) {
	gen := &versionGenerator{}
	val := &approveAtValidator{approveAt: 0}

	outcome := newTestOrchestrator(gen, val, 5).HandleRequest(context.Background(), Request{Payload: "task"})

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Nil(t, outcome.Artifact)
	assert.Equal(t, ReasonConvergenceLimit, outcome.Reason)
	assert.Equal(t, "convergence_limit_exceeded", outcome.FailureReason())
	assert.ErrorIs(t, outcome.Err(), ErrConvergenceLimit)
	assert.Len(t, outcome.Record.Solutions, 5)
	assert.Len(t, outcome.Record.Feedback, 5)
	assert.Equal(t, 5, val.Calls())
	assert.Len(t, gen.repairs, 4)
	assert.Equal(t, "convergence_limit_exceeded", outcome.Record.Reason)
}

func TestHandleRequest_LateConvergence(t *testing.T) {
	gen := &MockGenerator{}
	val := &MockValidator{}
	obs := &MockObserver{}

	gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "v1"}, nil).Once()
	gen.On("Repair", mock.Anything, mock.Anything, mock.Anything).Return(Artifact{Content: "v2"}, nil).Once()
	gen.On("Repair", mock.Anything, mock.Anything, mock.Anything).Return(Artifact{Content: "v3"}, nil).Once()
	gen.On("Repair", mock.Anything, mock.Anything, mock.Anything).Return(Artifact{Content: "v4"}, nil).Once()
	val.On("Analyze", mock.Anything, mock.Anything).Return(rejected("bad"), nil).Times(3)
	val.On("Analyze", mock.Anything, mock.Anything).Return(approved(), nil).Once()
	obs.On("Observe", mock.Anything, mock.AnythingOfType("*orchestrator.InteractionRecord")).Return(nil).Once()

	outcome := newTestOrchestrator(gen, val, 5, WithObserver(obs)).
		HandleRequest(context.Background(), Request{ID: "c", Payload: "task"})

	assert.Equal(t, StatusConverged, outcome.Status)
	assert.Equal(t, "v4", outcome.Artifact.Content)
	assert.Len(t, outcome.Record.Solutions, 4)
	assert.Len(t, outcome.Record.Feedback, 4)

	gen.AssertExpectations(t)
	val.AssertExpectations(t)
	obs.AssertExpectations(t)

	rec := obs.Calls[0].Arguments.Get(1).(*InteractionRecord)
	assert.Equal(t, "c", rec.RunID)
	assert.Equal(t, StatusConverged, rec.Status)
	assert.Len(t, rec.Solutions, 4)
	assert.Len(t, rec.Feedback, 4)
	assert.NotSame(t, outcome.Record, rec)
}

func TestHandleRequest_NoObserverMatchesObserved(t *testing.T) {
	run := func(opts ...Option) *Outcome {
		o := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 4}, 5, opts...)
		return o.HandleRequest(context.Background(), Request{ID: "same", Payload: "task"})
	}

	withObserver := run(WithObserver(&recordingObserver{}))
	withoutObserver := run()

	assert.Equal(t, withObserver, withoutObserver)
	assert.Equal(t, StatusConverged, withoutObserver.Status)
	assert.Len(t, withoutObserver.Record.Solutions, 4)
	assert.Len(t, withoutObserver.Record.Feedback, 4)
}

func TestHandleRequest_BoundedTerminationAndLockstep(t *testing.T) {
	for limit := 1; limit <= 7; limit++ {
		for approveAt := 0; approveAt <= limit+2; approveAt++ {
			t.Run(fmt.Sprintf("max=%d/approveAt=%d", limit, approveAt), func(t *testing.T) {
				gen := &versionGenerator{}
				val := &approveAtValidator{approveAt: approveAt}

				outcome := newTestOrchestrator(gen, val, limit).HandleRequest(context.Background(), Request{Payload: "x"})
				rec := outcome.Record

				assert.LessOrEqual(t, val.Calls(), limit)
				assert.Equal(t, len(rec.Solutions), len(rec.Feedback))
				assert.GreaterOrEqual(t, len(rec.Solutions), 1)
				assert.Equal(t, rec.Converged(), outcome.Status == StatusConverged)

				converges := approveAt >= 1 && approveAt <= limit
				if converges {
					assert.Equal(t, StatusConverged, outcome.Status)
					assert.Equal(t, approveAt, rec.Rounds())
				} else {
					assert.Equal(t, ReasonConvergenceLimit, outcome.Reason)
					assert.Equal(t, limit, rec.Rounds())
				}

				for _, fb := range gen.repairs {
					assert.False(t, fb.Approved, "repair requested after approval")
				}
			})
		}
	}
}

func TestHandleRequest_RepairReceivesPreviousArtifactAndFeedback(t *testing.T) {
	gen := &MockGenerator{}
	val := &MockValidator{}
	first := Artifact{Content: "first", Representation: []string{"ast"}}
	second := Artifact{Content: "second"}
	fb := Feedback{Errors: []Issue{{Location: "line 3", Kind: "syntax_error", Description: "unexpected }", SuggestedFix: "remove brace"}}}

	gen.On("Propose", mock.Anything, mock.Anything).Return(first, nil)
	gen.On("Repair", mock.Anything, first, fb).Return(second, nil).Once()
	val.On("Analyze", mock.Anything, first).Return(fb, nil).Once()
	val.On("Analyze", mock.Anything, second).Return(approved(), nil).Once()

	outcome := newTestOrchestrator(gen, val, 3).HandleRequest(context.Background(), Request{Payload: "x"})

	assert.Equal(t, StatusConverged, outcome.Status)
	assert.Equal(t, []Artifact{first, second}, outcome.Record.Solutions)
	gen.AssertExpectations(t)
	val.AssertExpectations(t)
}

func TestHandleRequest_WarningsNeverAffectTermination(t *testing.T) {
	gen := &MockGenerator{}
	val := &MockValidator{}
	warn := Issue{Kind: "style", Description: "trailing whitespace"}

	gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
	val.On("Analyze", mock.Anything, mock.Anything).Return(approved(warn, warn), nil)

	outcome := newTestOrchestrator(gen, val, 5).HandleRequest(context.Background(), Request{Payload: "x"})

	assert.Equal(t, StatusConverged, outcome.Status)
	assert.Len(t, outcome.Record.Feedback, 1)
	assert.Len(t, outcome.Record.Feedback[0].Warnings, 2)
}

func TestHandleRequest_ContractViolations(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(gen *MockGenerator, val *MockValidator)
		wantDetail    string
		wantSolutions int
		wantFeedback  int
	}{
		{
			name: "approved with errors",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				val.On("Analyze", mock.Anything, mock.Anything).Return(Feedback{
					Approved: true,
					Errors:   []Issue{{Kind: "bad"}},
				}, nil)
			},
			wantDetail:    "validator approved artifact with 1 error(s)",
			wantSolutions: 1,
			wantFeedback:  0,
		},
		{
			name: "rejected without errors",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				val.On("Analyze", mock.Anything, mock.Anything).Return(Feedback{
					Approved: false,
					Warnings: []Issue{{Kind: "hint"}},
				}, nil)
			},
			wantDetail:    "validator rejected artifact without errors",
			wantSolutions: 1,
			wantFeedback:  0,
		},
		{
			name: "proposal with nil content",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Representation: "ast"}, nil)
			},
			wantDetail:    "generator returned artifact with nil content",
			wantSolutions: 0,
			wantFeedback:  0,
		},
		{
			name: "repair with nil content",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				gen.On("Repair", mock.Anything, mock.Anything, mock.Anything).Return(Artifact{}, nil)
				val.On("Analyze", mock.Anything, mock.Anything).Return(rejected("bad"), nil)
			},
			wantDetail:    "generator returned artifact with nil content",
			wantSolutions: 1,
			wantFeedback:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &MockGenerator{}
			val := &MockValidator{}
			tt.setup(gen, val)

			outcome := newTestOrchestrator(gen, val, 5).HandleRequest(context.Background(), Request{Payload: "x"})

			assert.Equal(t, StatusFailed, outcome.Status)
			assert.Nil(t, outcome.Artifact)
			assert.Equal(t, ReasonContractViolation, outcome.Reason)
			assert.Equal(t, "contract_violation: "+tt.wantDetail, outcome.FailureReason())
			assert.ErrorIs(t, outcome.Err(), ErrContractViolation)
			assert.Len(t, outcome.Record.Solutions, tt.wantSolutions)
			assert.Len(t, outcome.Record.Feedback, tt.wantFeedback)
			assert.False(t, outcome.Record.Converged())
		})
	}
}

func TestHandleRequest_CollaboratorFaults(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		setup         func(gen *MockGenerator, val *MockValidator)
		wantReason    string
		wantSolutions int
		wantFeedback  int
	}{
		{
			name: "propose error",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{}, boom)
			},
			wantReason: "collaborator_fault: generator propose: boom",
		},
		{
			name: "analyze error",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				val.On("Analyze", mock.Anything, mock.Anything).Return(Feedback{}, boom)
			},
			wantReason:    "collaborator_fault: validator analyze: boom",
			wantSolutions: 1,
		},
		{
			name: "repair error",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				gen.On("Repair", mock.Anything, mock.Anything, mock.Anything).Return(Artifact{}, boom)
				val.On("Analyze", mock.Anything, mock.Anything).Return(rejected("bad"), nil)
			},
			wantReason:    "collaborator_fault: generator repair: boom",
			wantSolutions: 1,
			wantFeedback:  1,
		},
		{
			name: "analyze panic",
			setup: func(gen *MockGenerator, val *MockValidator) {
				gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{Content: "x"}, nil)
				val.On("Analyze", mock.Anything, mock.Anything).Panic("index out of range")
			},
			wantReason:    "collaborator_fault: validator analyze: panic: index out of range",
			wantSolutions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &MockGenerator{}
			val := &MockValidator{}
			tt.setup(gen, val)

			outcome := newTestOrchestrator(gen, val, 5).HandleRequest(context.Background(), Request{Payload: "x"})

			assert.Equal(t, StatusFailed, outcome.Status)
			assert.Nil(t, outcome.Artifact)
			assert.Equal(t, ReasonCollaboratorFault, outcome.Reason)
			assert.Equal(t, tt.wantReason, outcome.FailureReason())
			assert.ErrorIs(t, outcome.Err(), ErrCollaboratorFault)
			assert.Len(t, outcome.Record.Solutions, tt.wantSolutions)
			assert.Len(t, outcome.Record.Feedback, tt.wantFeedback)
			assert.Equal(t, tt.wantReason, outcome.Record.Reason)
			assert.Equal(t, ReasonCollaboratorFault, outcome.Record.ReasonClass())
		})
	}
}

func TestHandleRequest_CancelledBeforeStart(t *testing.T) {
	gen := &MockGenerator{}
	val := &MockValidator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := newTestOrchestrator(gen, val, 5).HandleRequest(ctx, Request{Payload: "x"})

	assert.Equal(t, "collaborator_fault: context canceled", outcome.FailureReason())
	assert.Empty(t, outcome.Record.Solutions)
	gen.AssertNotCalled(t, "Propose", mock.Anything, mock.Anything)
}

func TestHandleRequest_CancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &versionGenerator{}
	val := &MockValidator{}
	val.On("Analyze", mock.Anything, mock.Anything).Return(rejected("bad"), nil).Once()
	val.On("Analyze", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(rejected("bad"), nil).Once()
	obs := &recordingObserver{}

	outcome := newTestOrchestrator(gen, val, 5, WithObserver(obs)).HandleRequest(ctx, Request{Payload: "x"})

	assert.Equal(t, ReasonCollaboratorFault, outcome.Reason)
	assert.Equal(t, "context canceled", outcome.Detail)
	assert.Len(t, outcome.Record.Solutions, 2)
	assert.Len(t, outcome.Record.Feedback, 2)
	assert.Len(t, gen.repairs, 1)

	require.Len(t, obs.Records(), 1)
	assert.NoError(t, obs.ctxErrs[0], "observer context must not inherit cancellation")
}

func TestHandleRequest_ObserverIsolation(t *testing.T) {
	tests := []struct {
		name string
		obs  *recordingObserver
	}{
		{"observer error", &recordingObserver{err: errors.New("disk full")}},
		{"observer panic", &recordingObserver{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := logging.NewTestLogger()
			tel := telemetry.NewTestTelemetry()
			req := Request{ID: "iso", Payload: "x"}

			baseline := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 2}, 5).
				HandleRequest(context.Background(), req)
			observed := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 2}, 5,
				WithObserver(tt.obs),
				WithLogger(tl.Underlying()),
				WithMeter(tel.Meter(instrumentationName)),
			).HandleRequest(context.Background(), req)

			assert.Equal(t, baseline, observed)
			assert.Len(t, tt.obs.Records(), 1)
			tl.AssertLogged(t, zapcore.WarnLevel, "observer failed")
			tl.AssertRunCorrelation(t, "observer failed", "iso")
			assert.Equal(t, int64(1), tel.CounterValue(t, "refinery.loop.observer_failures_total"))
		})
	}
}

func TestHandleRequest_ObserverGetsIndependentCopy(t *testing.T) {
	obs := &recordingObserver{}
	outcome := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 3}, 5, WithObserver(obs)).
		HandleRequest(context.Background(), Request{Payload: "x"})

	require.Len(t, obs.Records(), 1)
	rec := obs.Records()[0]
	rec.Solutions[0].Content = "tampered"
	rec.Feedback[0].Errors[0].Kind = "tampered"
	rec.Feedback = append(rec.Feedback, approved())

	assert.Equal(t, "v1", outcome.Record.Solutions[0].Content)
	assert.Equal(t, "version_too_low", outcome.Record.Feedback[0].Errors[0].Kind)
	assert.Len(t, outcome.Record.Feedback, 3)
}

func TestHandleRequest_ObserverCalledOnFailure(t *testing.T) {
	obs := &recordingObserver{}
	gen := &MockGenerator{}
	gen.On("Propose", mock.Anything, mock.Anything).Return(Artifact{}, errors.New("offline"))

	newTestOrchestrator(gen, &MockValidator{}, 5, WithObserver(obs)).HandleRequest(context.Background(), Request{Payload: "x"})

	require.Len(t, obs.Records(), 1)
	rec := obs.Records()[0]
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "collaborator_fault: generator propose: offline", rec.Reason)
	assert.Empty(t, rec.Solutions)
}

func TestHandleRequest_Progress(t *testing.T) {
	var got []Progress
	o := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 2}, 5,
		WithProgress(func(p Progress) { got = append(got, p) }),
	)

	o.HandleRequest(context.Background(), Request{ID: "p", Payload: "x"})

	assert.Equal(t, []Progress{
		{RunID: "p", State: StateProposing, Round: 0},
		{RunID: "p", State: StateValidating, Round: 0},
		{RunID: "p", State: StateRepairing, Round: 1},
		{RunID: "p", State: StateValidating, Round: 1},
		{RunID: "p", State: StateConverged, Round: 2},
	}, got)
}

func TestHandleRequest_ExhaustedProgressEndsWithoutRepair(t *testing.T) {
	var states []State
	o := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{}, 2,
		WithProgress(func(p Progress) { states = append(states, p.State) }),
	)

	o.HandleRequest(context.Background(), Request{Payload: "x"})

	assert.Equal(t, []State{StateProposing, StateValidating, StateRepairing, StateValidating, StateExhausted}, states)
}

func TestHandleRequest_GeneratesRunID(t *testing.T) {
	outcome := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 1}, 5).
		HandleRequest(context.Background(), Request{Payload: "x"})

	_, err := uuid.Parse(outcome.Record.RunID)
	assert.NoError(t, err)
	assert.Equal(t, fixedTime, outcome.Record.StartedAt)
	assert.Equal(t, fixedTime, outcome.Record.CompletedAt)
}

func TestHandleRequest_Telemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	o := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 3}, 5,
		WithTracer(tel.Tracer(instrumentationName)),
		WithMeter(tel.Meter(instrumentationName)),
		WithObserver(&recordingObserver{}),
	)

	o.HandleRequest(context.Background(), Request{ID: "tel", Payload: "x"})
	newTestOrchestrator(&versionGenerator{}, &approveAtValidator{}, 2,
		WithMeter(tel.Meter(instrumentationName)),
	).HandleRequest(context.Background(), Request{Payload: "y"})

	tel.AssertSpanExists(t, "orchestrator.handle_request")
	tel.AssertSpanAttribute(t, "orchestrator.handle_request", "run_id", "tel")
	tel.AssertSpanAttribute(t, "orchestrator.handle_request", "status", "converged")
	tel.AssertSpanAttribute(t, "orchestrator.handle_request", "rounds", int64(3))
	assert.Len(t, tel.SpansByName("orchestrator.propose"), 1)
	assert.Len(t, tel.SpansByName("orchestrator.analyze"), 3)
	assert.Len(t, tel.SpansByName("orchestrator.repair"), 2)
	tel.AssertSpanExists(t, "orchestrator.observe")

	assert.Equal(t, int64(1), tel.CounterValue(t, "refinery.loop.runs_total",
		attribute.String("status", "converged"), attribute.String("reason_class", "none")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "refinery.loop.runs_total",
		attribute.String("status", "failed"), attribute.String("reason_class", "convergence_limit_exceeded")))
	assert.Equal(t, uint64(2), tel.HistogramCount(t, "refinery.loop.rounds"))
}

func TestHandleRequest_ConcurrentRunsShareObserver(t *testing.T) {
	obs := &recordingObserver{}
	o := newTestOrchestrator(&versionGenerator{}, &approveAtValidator{approveAt: 2}, 5, WithObserver(obs))

	const runs = 50
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := o.HandleRequest(context.Background(), Request{ID: fmt.Sprintf("run-%d", i), Payload: i})
			assert.Equal(t, StatusConverged, outcome.Status)
		}(i)
	}
	wg.Wait()

	records := obs.Records()
	require.Len(t, records, runs)
	seen := make(map[string]bool, runs)
	for _, rec := range records {
		assert.Len(t, rec.Solutions, 2)
		assert.Len(t, rec.Feedback, 2)
		seen[rec.RunID] = true
	}
	assert.Len(t, seen, runs)
}
