package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/observer"
)

// ===== GOVERNANCE TOOLS =====

type loopHealthInput struct {
	IncludeStatistics bool `json:"include_statistics,omitempty" jsonschema:"Include aggregate statistics over the evaluated window (default: false)"`
}

type loopHealthOutput struct {
	Status      observer.HealthStatus `json:"status" jsonschema:"nominal or alert"`
	Notes       []string              `json:"notes" jsonschema:"Findings from the evaluation, including drift"`
	Records     int                   `json:"records" jsonschema:"Number of records evaluated"`
	Statistics  *observer.Statistics  `json:"statistics,omitempty" jsonschema:"Aggregate statistics, when requested"`
	GeneratedAt string                `json:"generated_at" jsonschema:"Evaluation time (RFC 3339)"`
}

type loopPolicyInput struct{}

type loopPolicyOutput struct {
	Policy observer.HealthPolicy `json:"policy" jsonschema:"Active health policy thresholds"`
}

func (s *Server) registerTools() {
	// loop_health - Evaluate the long-term log
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_health",
		Description: "Evaluate the health of the generate-verify-repair loop over recent runs. Returns nominal or alert with notes on convergence, faults, repair effort, drift and recurring issues.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopHealthInput) (*mcp.CallToolResult, loopHealthOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "loop_health")
		defer s.metrics.DecrementActive(ctx, "loop_health")

		report := s.governor.EvaluateHealth(ctx)

		out := loopHealthOutput{
			Status:      report.Status,
			Notes:       report.Notes,
			Records:     report.Statistics.Records,
			GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
		}
		if out.Notes == nil {
			out.Notes = []string{}
		}
		if args.IncludeStatistics {
			stats := report.Statistics
			out.Statistics = &stats
		}

		s.metrics.RecordInvocation(ctx, "loop_health", time.Since(start), nil)
		s.logger.Debug("loop_health evaluated",
			append(logging.ContextFields(ctx), zap.String("status", string(report.Status)))...,
		)
		return nil, out, nil
	})

	// loop_policy - Show the thresholds in force
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_policy",
		Description: "Show the health policy thresholds loop_health currently evaluates against.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopPolicyInput) (*mcp.CallToolResult, loopPolicyOutput, error) {
		start := time.Now()
		out := loopPolicyOutput{Policy: s.governor.Policy()}
		s.metrics.RecordInvocation(ctx, "loop_policy", time.Since(start), nil)
		return nil, out, nil
	})
}
