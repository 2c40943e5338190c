package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Cycle identifies the automation cycle an operation belongs to.
// Zero-valued fields are omitted from log entries.
type Cycle struct {
	Repo      string
	Issue     int
	PR        int
	Iteration int
	RecordID  uint
}

type cycleCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	if c, ok := CycleFromContext(ctx); ok {
		if c.Repo != "" {
			fields = append(fields, zap.String("cycle.repo", c.Repo))
		}
		if c.Issue > 0 {
			fields = append(fields, zap.Int("cycle.issue", c.Issue))
		}
		if c.PR > 0 {
			fields = append(fields, zap.Int("cycle.pr", c.PR))
		}
		if c.Iteration > 0 {
			fields = append(fields, zap.Int("cycle.iteration", c.Iteration))
		}
		if c.RecordID > 0 {
			fields = append(fields, zap.Uint("cycle.record_id", c.RecordID))
		}
	}

	return fields
}

// WithCycle attaches cycle identity to the context, merging over any cycle
// already present so callers can add the PR or iteration as they learn it.
func WithCycle(ctx context.Context, c Cycle) context.Context {
	if prev, ok := CycleFromContext(ctx); ok {
		if c.Repo == "" {
			c.Repo = prev.Repo
		}
		if c.Issue == 0 {
			c.Issue = prev.Issue
		}
		if c.PR == 0 {
			c.PR = prev.PR
		}
		if c.Iteration == 0 {
			c.Iteration = prev.Iteration
		}
		if c.RecordID == 0 {
			c.RecordID = prev.RecordID
		}
	}
	return context.WithValue(ctx, cycleCtxKey{}, c)
}

// CycleFromContext returns the cycle stored by WithCycle.
func CycleFromContext(ctx context.Context) (Cycle, bool) {
	c, ok := ctx.Value(cycleCtxKey{}).(Cycle)
	return c, ok
}

// WithRequestID adds a request or delivery ID to the context.
// IDs that are not short alphanumeric tokens are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !requestIDPattern.MatchString(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
