package observer

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrInvalidPolicy indicates a health policy file could not be used.
var ErrInvalidPolicy = errors.New("invalid health policy")

// HealthPolicy holds the thresholds EvaluateHealth checks the log against.
type HealthPolicy struct {
	// MinConvergenceRate is the lowest acceptable share of converged runs.
	MinConvergenceRate float64 `toml:"min_convergence_rate" json:"min_convergence_rate"`

	// MaxFaultRate is the highest acceptable share of runs ending in a
	// contract violation or collaborator fault.
	MaxFaultRate float64 `toml:"max_fault_rate" json:"max_fault_rate"`

	// MaxMeanRounds is the highest acceptable mean of validator calls per run.
	MaxMeanRounds float64 `toml:"max_mean_rounds" json:"max_mean_rounds"`

	// DriftThreshold is the convergence rate drop between the older and newer
	// half of the window that counts as drift.
	DriftThreshold float64 `toml:"drift_threshold" json:"drift_threshold"`

	// RecurringIssueMin is how many rejected feedbacks an issue kind must
	// appear in to be reported as recurring.
	RecurringIssueMin int `toml:"recurring_issue_min" json:"recurring_issue_min"`

	// MinSamples is the record count below which no alert is raised.
	MinSamples int `toml:"min_samples" json:"min_samples"`

	// Window limits evaluation to the most recent records. 0 means all.
	Window int `toml:"window" json:"window"`
}

// DefaultHealthPolicy returns the built-in thresholds.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MinConvergenceRate: 0.5,
		MaxFaultRate:       0.2,
		MaxMeanRounds:      4,
		DriftThreshold:     0.25,
		RecurringIssueMin:  3,
		MinSamples:         5,
		Window:             100,
	}
}

// Validate checks the policy.
func (p HealthPolicy) Validate() error {
	var errs []error
	if p.MinConvergenceRate < 0 || p.MinConvergenceRate > 1 {
		errs = append(errs, fmt.Errorf("min_convergence_rate must be within [0,1], got %v", p.MinConvergenceRate))
	}
	if p.MaxFaultRate < 0 || p.MaxFaultRate > 1 {
		errs = append(errs, fmt.Errorf("max_fault_rate must be within [0,1], got %v", p.MaxFaultRate))
	}
	if p.MaxMeanRounds <= 0 {
		errs = append(errs, fmt.Errorf("max_mean_rounds must be > 0, got %v", p.MaxMeanRounds))
	}
	if p.DriftThreshold <= 0 || p.DriftThreshold > 1 {
		errs = append(errs, fmt.Errorf("drift_threshold must be within (0,1], got %v", p.DriftThreshold))
	}
	if p.RecurringIssueMin < 1 {
		errs = append(errs, fmt.Errorf("recurring_issue_min must be >= 1, got %d", p.RecurringIssueMin))
	}
	if p.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("min_samples must be >= 1, got %d", p.MinSamples))
	}
	if p.Window < 0 {
		errs = append(errs, fmt.Errorf("window must be >= 0, got %d", p.Window))
	}
	return errors.Join(errs...)
}

// LoadPolicy reads a TOML policy file. Keys missing from the file keep their
// default values.
//
//	min_convergence_rate = 0.6
//	drift_threshold = 0.2
//	window = 200
func LoadPolicy(path string) (HealthPolicy, error) {
	policy := DefaultHealthPolicy()

	if _, err := os.Stat(path); err != nil {
		return policy, err
	}

	md, err := toml.DecodeFile(path, &policy)
	if err != nil {
		return DefaultHealthPolicy(), fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return DefaultHealthPolicy(), fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidPolicy, path, undecoded)
	}
	if err := policy.Validate(); err != nil {
		return DefaultHealthPolicy(), fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}

	return policy, nil
}
