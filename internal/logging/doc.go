// Package logging provides structured logging for the code agent.
//
// It wraps Zap with:
//   - a Trace level below Debug
//   - stdout and optional OpenTelemetry output
//   - automatic context fields (trace_id, request.id, cycle.*)
//   - redaction of credential-shaped keys and values
//
// Typical use:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logger.Sync() }()
//
//	ctx = logging.WithCycle(ctx, logging.Cycle{Repo: "acme/api", Issue: 42})
//	logger.Info(ctx, "code step started", zap.Int("iteration", 1))
//
// produces
//
//	{"level":"info","msg":"code step started","cycle.repo":"acme/api","cycle.issue":42,"iteration":1}
package logging
