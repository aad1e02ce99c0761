package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/jsonfix"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

const orchestratorScope = "github.com/fyrsmithlabs/refinery/internal/orchestrator"

// runResult is printed to stdout after a run.
type runResult struct {
	RunID    string                          `json:"run_id"`
	Status   orchestrator.Status             `json:"status"`
	Reason   string                          `json:"reason,omitempty"`
	Rounds   int                             `json:"rounds"`
	Document json.RawMessage                 `json:"document,omitempty"`
	Record   *orchestrator.InteractionRecord `json:"record"`
}

func newRunCmd() *cobra.Command {
	var (
		maxIterations int
		required      []string
		runID         string
	)

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Repair a JSON document through the loop",
		Long: `Run the generate-verify-repair loop over a JSON document.

The document must parse and carry every --require key at the top level.
Syntax is repaired first, then missing keys are inserted with null values.
The outcome and full history are printed as JSON. The command exits non-zero
when the loop does not converge.

Examples:
  # Repair a file
  refinery run --require id config.json

  # Repair from stdin with a tighter budget
  cat broken.json | refinery run --max-iterations 3 -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, appOptions{publish: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			loop := a.cfg.Loop.MaxIterations
			if cmd.Flags().Changed("max-iterations") {
				loop = maxIterations
			}

			task := jsonfix.Task{Document: string(content), Required: required}
			outcome, err := runLoop(ctx, a, task, runID, loop)
			if err != nil {
				return err
			}

			if err := writeResult(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			if !outcome.Converged() {
				return fmt.Errorf("run %s did not converge: %w", outcome.Record.RunID, outcome.Err())
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "validator call budget (default from loop.max_iterations)")
	cmd.Flags().StringArrayVar(&required, "require", nil, "required top-level key (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: generated UUID)")

	return cmd
}

// runLoop wires the JSON repair collaborators into an orchestrator and runs
// one request.
func runLoop(ctx context.Context, a *app, task jsonfix.Task, runID string, maxIterations int) (*orchestrator.Outcome, error) {
	zl := a.logger.Underlying().Named("loop")

	o, err := orchestrator.New(
		jsonfix.NewGenerator(),
		jsonfix.NewValidator(task.Required...),
		orchestrator.Config{MaxIterations: maxIterations},
		orchestrator.WithObserver(a.observer),
		orchestrator.WithLogger(zl),
		orchestrator.WithTracer(a.tel.Tracer(orchestratorScope)),
		orchestrator.WithMeter(a.tel.Meter(orchestratorScope)),
		orchestrator.WithProgress(func(p orchestrator.Progress) {
			zl.Debug("loop progress",
				zap.String("run.id", p.RunID),
				zap.String("state", string(p.State)),
				zap.Int("round", p.Round))
		}),
	)
	if err != nil {
		return nil, err
	}

	outcome := o.HandleRequest(ctx, orchestrator.Request{ID: runID, Payload: task})

	runCtx := logging.WithRunID(ctx, outcome.Record.RunID)
	a.logger.Info(runCtx, "run finished",
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.FailureReason()),
		zap.Int("rounds", outcome.Record.Rounds()))

	return outcome, nil
}

func writeResult(w io.Writer, outcome *orchestrator.Outcome) error {
	res := runResult{
		RunID:  outcome.Record.RunID,
		Status: outcome.Status,
		Reason: outcome.FailureReason(),
		Rounds: outcome.Record.Rounds(),
		Record: outcome.Record,
	}
	if outcome.Artifact != nil {
		if text, ok := outcome.Artifact.Content.(string); ok && json.Valid([]byte(text)) {
			res.Document = json.RawMessage(text)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// readInput reads the document from a file argument or stdin.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("no content to repair")
	}
	return content, nil
}
