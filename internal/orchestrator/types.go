package orchestrator

import (
	"context"
	"slices"
	"time"
)

// Request is the opaque task description for one run. The orchestrator only
// reads it.
//
// Payload is shared, not copied, with every record of the run, including the
// one handed to the Observer. Callers must not mutate a payload (or anything
// it references) once HandleRequest has been called.
type Request struct {
	// ID identifies the run. A UUID is generated when empty.
	ID string `json:"id,omitempty"`

	// Payload is interpreted by the Generator only.
	Payload any `json:"payload"`
}

// Artifact is a candidate solution.
//
// Both payloads are opaque to the orchestrator. An artifact whose Content is
// nil is malformed. Generators must return fresh values from Repair rather
// than mutating prev in place, since earlier artifacts stay referenced by the
// history.
type Artifact struct {
	Content        any `json:"content"`
	Representation any `json:"representation,omitempty"`
}

// Issue is a single validator finding. All fields are forwarded to the
// Generator unchanged.
type Issue struct {
	Location     string `json:"location,omitempty"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Feedback is a validator verdict.
//
// A well-formed Feedback has Approved == (len(Errors) == 0). Warnings are
// informational and never affect termination.
type Feedback struct {
	Approved bool    `json:"approved"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Status is the terminal status of a run.
type Status string

const (
	StatusConverged Status = "converged"
	StatusFailed    Status = "failed"
)

// Reason classifies a failed run.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonConvergenceLimit  Reason = "convergence_limit_exceeded"
	ReasonContractViolation Reason = "contract_violation"
	ReasonCollaboratorFault Reason = "collaborator_fault"
)

// InteractionRecord is the full trace of one run.
type InteractionRecord struct {
	RunID     string     `json:"run_id"`
	Request   Request    `json:"request"`
	Solutions []Artifact `json:"solution_history"`
	Feedback  []Feedback `json:"feedback_history"`

	// Status and Reason describe how the run ended. They are derived metadata
	// for observers and never feed back into a loop.
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Rounds returns the number of validator calls recorded.
func (r *InteractionRecord) Rounds() int {
	return len(r.Feedback)
}

// Converged reports whether the last recorded Feedback is approved.
func (r *InteractionRecord) Converged() bool {
	return len(r.Feedback) > 0 && r.Feedback[len(r.Feedback)-1].Approved
}

// ReasonClass returns the reason class of a failed record.
func (r *InteractionRecord) ReasonClass() Reason {
	return reasonClass(r.Reason)
}

// Clone returns a copy that shares no slices with r. Opaque payload values
// are copied by value, so reference-typed payloads (maps, slices, pointers)
// are shared between r and the copy and must be treated as immutable.
func (r *InteractionRecord) Clone() *InteractionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Solutions = slices.Clone(r.Solutions)
	if r.Feedback != nil {
		c.Feedback = make([]Feedback, len(r.Feedback))
		for i, fb := range r.Feedback {
			c.Feedback[i] = Feedback{
				Approved: fb.Approved,
				Errors:   slices.Clone(fb.Errors),
				Warnings: slices.Clone(fb.Warnings),
			}
		}
	}
	return &c
}

// State is a loop state.
type State string

const (
	StateStart      State = "start"
	StateProposing  State = "proposing"
	StateValidating State = "validating"
	StateRepairing  State = "repairing"
	StateConverged  State = "converged"
	StateExhausted  State = "exhausted"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateExhausted, StateFailed:
		return true
	}
	return false
}

// Progress is reported on every state transition.
type Progress struct {
	RunID string `json:"run_id"`
	State State  `json:"state"`
	// Round is the number of validator calls made so far.
	Round int `json:"round"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress Progress)

// Generator produces and repairs artifacts.
//
// A returned error is an out-of-band fault; it ends the run and is never
// routed back into the loop.
type Generator interface {
	// Propose returns the first artifact for a request.
	Propose(ctx context.Context, req Request) (Artifact, error)

	// Repair returns a new artifact given the previous one and its rejection.
	// It is only called with Feedback whose Approved is false.
	Repair(ctx context.Context, prev Artifact, fb Feedback) (Artifact, error)
}

// Validator judges artifacts.
type Validator interface {
	// Analyze returns a verdict for a. Approved must hold exactly when Errors
	// is empty.
	Analyze(ctx context.Context, a Artifact) (Feedback, error)
}

// Observer receives finished interaction records out of band.
type Observer interface {
	// Observe takes ownership of rec. Its error is logged and discarded.
	// rec shares Request.Payload and artifact payloads with the caller's
	// Outcome.Record; an Observer must not mutate them.
	Observe(ctx context.Context, rec *InteractionRecord) error
}
