// Package orchestrator drives a bounded generate-verify-repair loop.
//
// # Overview
//
// A Generator proposes an artifact for a request, a Validator judges it, and
// on rejection the Generator repairs it using the structured feedback. The
// Orchestrator repeats this for at most MaxIterations validator calls and then
// reports either convergence or a bounded failure. It never loops unboundedly
// and never discards the history it accumulated.
//
// # State Machine
//
// The loop is an explicit enumerated state plus a round counter:
//
//	Start → Proposing → Validating → (Repairing → Validating)* → Converged | Exhausted | Failed
//
// The round counter counts validator calls. After the MaxIterations-th
// rejection the run is Exhausted and no further repair is requested. Repair is
// only ever requested immediately after a rejected Feedback.
//
// # Failures
//
// Every run ends with an Outcome. Failed outcomes carry one of three reasons:
//
//   - convergence_limit_exceeded: the validator never approved
//   - contract_violation: <detail>: a collaborator returned malformed data
//   - collaborator_fault: <detail>: a collaborator errored, panicked or the
//     context was cancelled
//
// The offending value of a contract violation is never recorded, so the last
// recorded Feedback is approved exactly when the outcome is Converged.
// Outcome.Err maps each reason to a sentinel error for errors.Is.
//
// # Observation
//
// When an Observer is configured it receives a deep copy of the finished
// InteractionRecord exactly once, after the loop has terminated. Observer
// errors and panics are logged and counted but never alter the Outcome.
//
// # Usage Example
//
//	orch, err := orchestrator.New(gen, val, orchestrator.DefaultConfig(),
//	    orchestrator.WithObserver(meta),
//	    orchestrator.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	outcome := orch.HandleRequest(ctx, orchestrator.Request{Payload: doc})
//	if err := outcome.Err(); err != nil {
//	    // outcome.Record still holds the partial history
//	}
package orchestrator
