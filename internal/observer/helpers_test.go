package observer

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rejection(kinds ...string) orchestrator.Feedback {
	fb := orchestrator.Feedback{}
	for _, k := range kinds {
		fb.Errors = append(fb.Errors, orchestrator.Issue{Kind: k, Description: k})
	}
	return fb
}

// convergedRecord returns a record that converged after rounds validator
// calls, the rejected ones reporting kinds.
func convergedRecord(id string, rounds int, kinds ...string) *orchestrator.InteractionRecord {
	rec := &orchestrator.InteractionRecord{RunID: id, Status: orchestrator.StatusConverged}
	for i := 0; i < rounds; i++ {
		rec.Solutions = append(rec.Solutions, orchestrator.Artifact{Content: fmt.Sprintf("v%d", i+1)})
		if i == rounds-1 {
			rec.Feedback = append(rec.Feedback, orchestrator.Feedback{Approved: true})
		} else {
			rec.Feedback = append(rec.Feedback, rejection(kinds...))
		}
	}
	return rec
}

// failedRecord returns a failed record with the given reason text.
func failedRecord(id string, rounds int, reason string, kinds ...string) *orchestrator.InteractionRecord {
	rec := &orchestrator.InteractionRecord{RunID: id, Status: orchestrator.StatusFailed, Reason: reason}
	for i := 0; i < rounds; i++ {
		rec.Solutions = append(rec.Solutions, orchestrator.Artifact{Content: fmt.Sprintf("v%d", i+1)})
		rec.Feedback = append(rec.Feedback, rejection(kinds...))
	}
	return rec
}

func exhaustedRecord(id string, rounds int, kinds ...string) *orchestrator.InteractionRecord {
	return failedRecord(id, rounds, string(orchestrator.ReasonConvergenceLimit), kinds...)
}

func newTestObserver(opts ...Option) *MetaObserver {
	o, err := New(opts...)
	if err != nil {
		panic(err)
	}
	o.now = func() time.Time { return testNow }
	return o
}
