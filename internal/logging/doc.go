// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Stream output (stderr by default) plus optional OpenTelemetry output
//   - Context field injection (trace_id, run.id, request.id)
//   - Secret redaction by key and by value pattern
//   - Per-level sampling (errors never sampled)
//
// # Usage
//
//	cfg, err := logging.FromSettings("info", "json")
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "run finished", zap.Int("rounds", 3))
//
// Components that take a *zap.Logger receive logger.Underlying() and call
// ContextFields(ctx) themselves when correlation matters.
//
// # Sampling
//
//   - Trace: first 1 per tick, drop rest
//   - Debug: first 10 per tick, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Warn(ctx, "observer failed")
//	tl.AssertLogged(t, zapcore.WarnLevel, "observer failed")
package logging
