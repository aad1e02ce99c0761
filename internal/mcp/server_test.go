package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/refinery/internal/observer"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
	"github.com/fyrsmithlabs/refinery/internal/telemetry"
)

// connect starts s on an in-memory transport and returns a client session.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

// decode unmarshals the structured content of a tool result into out.
func decode(t *testing.T, res *mcp.CallToolResult, out any) {
	t.Helper()
	require.False(t, res.IsError, "tool returned error: %+v", res.Content)
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func populatedObserver(t *testing.T, converged, exhausted int) *observer.MetaObserver {
	t.Helper()
	obs, err := observer.New()
	require.NoError(t, err)
	add := func(id string, status orchestrator.Status, reason string, fb orchestrator.Feedback) {
		require.NoError(t, obs.Observe(context.Background(), &orchestrator.InteractionRecord{
			RunID:     id,
			Status:    status,
			Reason:    reason,
			Solutions: []orchestrator.Artifact{{Content: "{}"}},
			Feedback:  []orchestrator.Feedback{fb},
		}))
	}
	for i := 0; i < converged; i++ {
		add(fmt.Sprint("c", i), orchestrator.StatusConverged, "", orchestrator.Feedback{Approved: true})
	}
	for i := 0; i < exhausted; i++ {
		add(fmt.Sprint("e", i), orchestrator.StatusFailed, "convergence_limit_exceeded", orchestrator.Feedback{
			Errors: []orchestrator.Issue{{Kind: "schema_violation"}},
		})
	}
	return obs
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.EqualError(t, err, "governor is required")

	obs, err := observer.New()
	require.NoError(t, err)
	s, err := NewServer(nil, obs)
	require.NoError(t, err)
	assert.NotNil(t, s.MCPServer())
}

func TestListTools(t *testing.T) {
	obs, err := observer.New()
	require.NoError(t, err)
	s, err := NewServer(DefaultConfig(), obs)
	require.NoError(t, err)
	cs := connect(t, s)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"loop_health", "loop_policy"}, names)
}

func TestLoopHealth(t *testing.T) {
	t.Run("nominal without statistics", func(t *testing.T) {
		s, err := NewServer(nil, populatedObserver(t, 6, 0))
		require.NoError(t, err)
		cs := connect(t, s)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "loop_health",
			Arguments: map[string]any{},
		})
		require.NoError(t, err)

		var out loopHealthOutput
		decode(t, res, &out)
		assert.Equal(t, observer.HealthNominal, out.Status)
		assert.Equal(t, 6, out.Records)
		assert.Contains(t, out.Notes, observer.NoteNoDriftDetected)
		assert.Nil(t, out.Statistics)
		assert.NotEmpty(t, out.GeneratedAt)
	})

	t.Run("alert with statistics", func(t *testing.T) {
		tel := telemetry.NewTestTelemetry()
		cfg := DefaultConfig()
		cfg.Meter = tel.Meter(instrumentationName)
		s, err := NewServer(cfg, populatedObserver(t, 1, 9))
		require.NoError(t, err)
		cs := connect(t, s)

		res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
			Name:      "loop_health",
			Arguments: map[string]any{"include_statistics": true},
		})
		require.NoError(t, err)

		var out loopHealthOutput
		decode(t, res, &out)
		assert.Equal(t, observer.HealthAlert, out.Status)
		require.NotNil(t, out.Statistics)
		assert.Equal(t, 9, out.Statistics.ConvergenceLimit)
		assert.Equal(t, map[string]int{"schema_violation": 9}, out.Statistics.RecurringIssues)

		assert.Equal(t, int64(1), tel.CounterValue(t, "refinery.mcp.tool.invocations_total",
			attribute.String("tool", "loop_health")))
	})
}

func TestLoopPolicy(t *testing.T) {
	policy := observer.DefaultHealthPolicy()
	policy.Window = 42
	obs, err := observer.New(observer.WithPolicy(policy))
	require.NoError(t, err)
	s, err := NewServer(nil, obs)
	require.NoError(t, err)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "loop_policy",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)

	var out loopPolicyOutput
	decode(t, res, &out)
	assert.Equal(t, policy, out.Policy)
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "", categorizeError(nil))
	assert.Equal(t, "timeout", categorizeError(fmt.Errorf("eval: %w", context.DeadlineExceeded)))
	assert.Equal(t, "canceled", categorizeError(context.Canceled))
	assert.Equal(t, "internal_error", categorizeError(fmt.Errorf("boom")))
}
