package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by Outcome.Err.
var (
	ErrConvergenceLimit  = errors.New("convergence limit exceeded")
	ErrContractViolation = errors.New("contract violation")
	ErrCollaboratorFault = errors.New("collaborator fault")
)

// Outcome is the terminal result of a run. It is never nil.
type Outcome struct {
	Status Status `json:"status"`

	// Artifact is the approved artifact. Nil unless Status is converged.
	Artifact *Artifact `json:"artifact,omitempty"`

	Reason Reason `json:"reason_class,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Record is the caller's view of the history, partial on faults.
	Record *InteractionRecord `json:"record"`
}

// Converged reports whether the run converged.
func (o *Outcome) Converged() bool {
	return o.Status == StatusConverged
}

// FailureReason returns the full reason text, e.g.
// "collaborator_fault: generator propose: timeout". Empty on convergence.
func (o *Outcome) FailureReason() string {
	return formatReason(o.Reason, o.Detail)
}

// Err returns nil on convergence and otherwise an error wrapping the sentinel
// matching the failure reason.
func (o *Outcome) Err() error {
	switch o.Reason {
	case ReasonNone:
		return nil
	case ReasonConvergenceLimit:
		return ErrConvergenceLimit
	case ReasonContractViolation:
		return fmt.Errorf("%w: %s", ErrContractViolation, o.Detail)
	case ReasonCollaboratorFault:
		return fmt.Errorf("%w: %s", ErrCollaboratorFault, o.Detail)
	default:
		return fmt.Errorf("unknown failure reason %q: %s", o.Reason, o.Detail)
	}
}

func formatReason(reason Reason, detail string) string {
	if reason == ReasonNone {
		return ""
	}
	if detail == "" {
		return string(reason)
	}
	return string(reason) + ": " + detail
}

// reasonClass extracts the Reason from formatted reason text.
func reasonClass(text string) Reason {
	class, _, _ := strings.Cut(text, ":")
	switch r := Reason(class); r {
	case ReasonConvergenceLimit, ReasonContractViolation, ReasonCollaboratorFault:
		return r
	}
	return ReasonNone
}
