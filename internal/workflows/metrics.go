package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OneBeatTrue/code-agent/internal/workflows"

type activityMetrics struct {
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

func newActivityMetrics(meter metric.Meter) (*activityMetrics, error) {
	duration, err := meter.Float64Histogram(
		"codeagent.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activity duration histogram: %w", err)
	}

	errs, err := meter.Int64Counter(
		"codeagent.workflows.activity.errors",
		metric.WithDescription("Number of workflow activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activity error counter: %w", err)
	}

	return &activityMetrics{duration: duration, errors: errs}, nil
}

func (m *activityMetrics) record(ctx context.Context, activity string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", activity))
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
