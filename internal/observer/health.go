package observer

import (
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// HealthStatus is the verdict of a health evaluation.
type HealthStatus string

const (
	HealthNominal HealthStatus = "nominal"
	HealthAlert   HealthStatus = "alert"
)

// Notes emitted by every evaluation with enough data.
const (
	NoteDriftDetected   = "drift detected"
	NoteNoDriftDetected = "no drift detected"
)

// HealthReport is the result of EvaluateHealth.
type HealthReport struct {
	Status      HealthStatus `json:"status"`
	Notes       []string     `json:"notes"`
	Statistics  Statistics   `json:"statistics"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Alerting reports whether the report is an alert.
func (r HealthReport) Alerting() bool {
	return r.Status == HealthAlert
}

// Statistics summarizes the evaluated window.
type Statistics struct {
	Records            int `json:"records"`
	Converged          int `json:"converged"`
	ConvergenceLimit   int `json:"convergence_limit_exceeded"`
	ContractViolations int `json:"contract_violations"`
	CollaboratorFaults int `json:"collaborator_faults"`

	ConvergenceRate float64 `json:"convergence_rate"`
	FaultRate       float64 `json:"fault_rate"`
	MeanRounds      float64 `json:"mean_rounds"`

	// Drift is the convergence rate of the newer half minus the older half.
	Drift float64 `json:"drift"`

	// RecurringIssues counts, per issue kind, the rejected feedbacks that
	// reported it. Only kinds at or above the policy minimum are kept.
	RecurringIssues map[string]int `json:"recurring_issues,omitempty"`
}

// evaluate computes a report over records, oldest first.
func evaluate(records []*orchestrator.InteractionRecord, policy HealthPolicy, now time.Time) HealthReport {
	if policy.Window > 0 && len(records) > policy.Window {
		records = records[len(records)-policy.Window:]
	}

	stats := summarize(records, policy)
	report := HealthReport{
		Status:      HealthNominal,
		Notes:       []string{},
		Statistics:  stats,
		GeneratedAt: now,
	}

	if stats.Records < policy.MinSamples {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"insufficient data: %d record(s), need at least %d", stats.Records, policy.MinSamples))
		return report
	}

	alert := func(format string, args ...any) {
		report.Status = HealthAlert
		report.Notes = append(report.Notes, fmt.Sprintf(format, args...))
	}

	if stats.ConvergenceRate < policy.MinConvergenceRate {
		alert("convergence rate %.2f below minimum %.2f", stats.ConvergenceRate, policy.MinConvergenceRate)
	}
	if stats.FaultRate > policy.MaxFaultRate {
		alert("fault rate %.2f above maximum %.2f", stats.FaultRate, policy.MaxFaultRate)
	}
	if stats.MeanRounds > policy.MaxMeanRounds {
		alert("mean rounds %.2f above maximum %.2f", stats.MeanRounds, policy.MaxMeanRounds)
	}
	if stats.Drift < -policy.DriftThreshold {
		alert("%s: convergence rate fell by %.2f between the older and newer half", NoteDriftDetected, -stats.Drift)
	} else {
		report.Notes = append(report.Notes, NoteNoDriftDetected)
	}

	for _, kind := range sortedKinds(stats.RecurringIssues) {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"recurring issue %q in %d rejection(s)", kind, stats.RecurringIssues[kind]))
	}

	return report
}

func summarize(records []*orchestrator.InteractionRecord, policy HealthPolicy) Statistics {
	stats := Statistics{Records: len(records)}
	if len(records) == 0 {
		return stats
	}

	kinds := make(map[string]int)
	rounds := 0
	for _, rec := range records {
		rounds += rec.Rounds()
		switch rec.ReasonClass() {
		case orchestrator.ReasonNone:
			if rec.Status == orchestrator.StatusConverged {
				stats.Converged++
			}
		case orchestrator.ReasonConvergenceLimit:
			stats.ConvergenceLimit++
		case orchestrator.ReasonContractViolation:
			stats.ContractViolations++
		case orchestrator.ReasonCollaboratorFault:
			stats.CollaboratorFaults++
		}
		for _, fb := range rec.Feedback {
			if fb.Approved {
				continue
			}
			seen := make(map[string]bool, len(fb.Errors))
			for _, issue := range fb.Errors {
				if !seen[issue.Kind] {
					seen[issue.Kind] = true
					kinds[issue.Kind]++
				}
			}
		}
	}

	n := float64(len(records))
	stats.ConvergenceRate = float64(stats.Converged) / n
	stats.FaultRate = float64(stats.ContractViolations+stats.CollaboratorFaults) / n
	stats.MeanRounds = float64(rounds) / n

	if len(records) >= 2 {
		half := len(records) / 2
		stats.Drift = convergenceRate(records[half:]) - convergenceRate(records[:half])
	}

	for kind, count := range kinds {
		if count >= policy.RecurringIssueMin {
			if stats.RecurringIssues == nil {
				stats.RecurringIssues = make(map[string]int)
			}
			stats.RecurringIssues[kind] = count
		}
	}

	return stats
}

func convergenceRate(records []*orchestrator.InteractionRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	converged := 0
	for _, rec := range records {
		if rec.Status == orchestrator.StatusConverged {
			converged++
		}
	}
	return float64(converged) / float64(len(records))
}

// sortedKinds orders kinds by count, most frequent first, then by name.
func sortedKinds(counts map[string]int) []string {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if counts[kinds[i]] != counts[kinds[j]] {
			return counts[kinds[i]] > counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}
