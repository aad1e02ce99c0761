package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockGenerator is a mock implementation of Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Propose(ctx context.Context, req Request) (Artifact, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Artifact), args.Error(1)
}

func (m *MockGenerator) Repair(ctx context.Context, prev Artifact, fb Feedback) (Artifact, error) {
	args := m.Called(ctx, prev, fb)
	return args.Get(0).(Artifact), args.Error(1)
}

// MockValidator is a mock implementation of Validator
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Analyze(ctx context.Context, a Artifact) (Feedback, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(Feedback), args.Error(1)
}

// MockObserver is a mock implementation of Observer
type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) Observe(ctx context.Context, rec *InteractionRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// versionGenerator proposes version 1 and bumps the version on every repair.
type versionGenerator struct {
	mu      sync.Mutex
	repairs []Feedback
}

func (g *versionGenerator) Propose(_ context.Context, _ Request) (Artifact, error) {
	return Artifact{Content: "v1", Representation: 1}, nil
}

func (g *versionGenerator) Repair(_ context.Context, prev Artifact, fb Feedback) (Artifact, error) {
	g.mu.Lock()
	g.repairs = append(g.repairs, fb)
	g.mu.Unlock()
	n := prev.Representation.(int) + 1
	return Artifact{Content: fmt.Sprintf("v%d", n), Representation: n}, nil
}

// approveAtValidator rejects until the artifact reaches version approveAt.
// approveAt <= 0 never approves.
type approveAtValidator struct {
	approveAt int

	mu    sync.Mutex
	calls int
}

func (v *approveAtValidator) Analyze(_ context.Context, a Artifact) (Feedback, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.approveAt > 0 && a.Representation.(int) >= v.approveAt {
		return approved(), nil
	}
	return rejected("version_too_low"), nil
}

func (v *approveAtValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// recordingObserver stores every record it receives.
type recordingObserver struct {
	mu      sync.Mutex
	records []*InteractionRecord
	ctxErrs []error
	err     error
	panics  bool
}

func (o *recordingObserver) Observe(ctx context.Context, rec *InteractionRecord) error {
	o.mu.Lock()
	o.records = append(o.records, rec)
	o.ctxErrs = append(o.ctxErrs, ctx.Err())
	o.mu.Unlock()
	if o.panics {
		panic("observer exploded")
	}
	return o.err
}

func (o *recordingObserver) Records() []*InteractionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*InteractionRecord(nil), o.records...)
}

func approved(warnings ...Issue) Feedback {
	return Feedback{Approved: true, Warnings: warnings}
}

func rejected(kind string) Feedback {
	return Feedback{
		Approved: false,
		Errors: []Issue{{
			Location:     "$",
			Kind:         kind,
			Description:  "artifact rejected",
			SuggestedFix: "bump version",
		}},
	}
}

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// newTestOrchestrator builds an orchestrator with a fixed clock.
func newTestOrchestrator(gen Generator, val Validator, max int, opts ...Option) *Orchestrator {
	o, err := New(gen, val, Config{MaxIterations: max}, opts...)
	if err != nil {
		panic(err)
	}
	o.now = func() time.Time { return fixedTime }
	return o
}
