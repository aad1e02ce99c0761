package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Contract gates run on collaborator output before it enters history. A gate
// failure is a contract violation; the orchestrator never coerces the value.

// checkArtifact validates generator output.
func checkArtifact(a Artifact) error {
	if a.Content == nil {
		return errors.New("generator returned artifact with nil content")
	}
	return nil
}

// checkFeedback validates validator output.
func checkFeedback(fb Feedback) error {
	if fb.Approved && len(fb.Errors) > 0 {
		return fmt.Errorf("validator approved artifact with %d error(s)", len(fb.Errors))
	}
	if !fb.Approved && len(fb.Errors) == 0 {
		return errors.New("validator rejected artifact without errors")
	}
	return nil
}

// call invokes fn and converts a panic into an error.
func call[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// observeSafely hands rec to obs, converting a panic into an error.
func observeSafely(ctx context.Context, obs Observer, rec *InteractionRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panic: %v", p)
		}
	}()
	return obs.Observe(ctx, rec)
}
