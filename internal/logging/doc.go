// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - dual output (stdout and the OpenTelemetry log bridge)
//   - context field injection (trace_id, project.id, pipeline.phase, request.id)
//   - redaction of credential-bearing keys
//   - level-aware sampling (errors never sampled)
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithProjectID(ctx, "api_servic_1718000000")
//	logger.Info(ctx, "phase completed", zap.Duration("elapsed", d))
//
// Components that accept a *zap.Logger get logger.Underlying().
package logging
