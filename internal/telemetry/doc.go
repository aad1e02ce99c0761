// Package telemetry provides OpenTelemetry tracing and metrics for refinery.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch, err := orchestrator.New(gen, val, loopCfg,
//	    orchestrator.WithTracer(tel.Tracer("refinery.orchestrator")),
//	    orchestrator.WithMeter(tel.Meter("refinery.orchestrator")),
//	)
//
// Spans and metrics are exported over OTLP (gRPC or HTTP). Export problems
// degrade to no-op providers; see Health.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	// ... run code using tt.Tracer / tt.Meter
//	tt.AssertSpanExists(t, "orchestrator.handle_request")
//	runs := tt.CounterValue(t, "refinery.loop.runs_total", attribute.String("status", "converged"))
package telemetry
