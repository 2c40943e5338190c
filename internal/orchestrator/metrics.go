package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OneBeatTrue/code-agent/internal/orchestrator"

type metrics struct {
	cyclesStarted   metric.Int64Counter
	cyclesCompleted metric.Int64Counter
	codeSteps       metric.Int64Counter
	reviews         metric.Int64Counter
	ciEvents        metric.Int64Counter
	stepErrors      metric.Int64Counter
	stepDuration    metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	if m.cyclesStarted, err = meter.Int64Counter(
		"codeagent.cycles.started",
		metric.WithDescription("Cycles opened, including restarts"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, fmt.Errorf("create cycles started counter: %w", err)
	}

	if m.cyclesCompleted, err = meter.Int64Counter(
		"codeagent.cycles.completed",
		metric.WithDescription("Cycles that reached a terminal status"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, fmt.Errorf("create cycles completed counter: %w", err)
	}

	if m.codeSteps, err = meter.Int64Counter(
		"codeagent.iterations.code_steps",
		metric.WithDescription("Code generation steps run"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("create code steps counter: %w", err)
	}

	if m.reviews, err = meter.Int64Counter(
		"codeagent.reviews",
		metric.WithDescription("Reviews produced, by recommendation"),
		metric.WithUnit("{review}"),
	); err != nil {
		return nil, fmt.Errorf("create reviews counter: %w", err)
	}

	if m.ciEvents, err = meter.Int64Counter(
		"codeagent.ci_events",
		metric.WithDescription("CI completion events handled, by outcome"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create CI events counter: %w", err)
	}

	if m.stepErrors, err = meter.Int64Counter(
		"codeagent.step.errors",
		metric.WithDescription("Classified step failures, by operation and severity"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("create step errors counter: %w", err)
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"codeagent.step.duration",
		metric.WithDescription("Duration of orchestration steps"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create step duration histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) observeStep(ctx context.Context, step string, start time.Time) {
	m.stepDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("step", step)))
}

func (m *metrics) stepError(ctx context.Context, se *StepError) {
	m.stepErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", se.Op),
		attribute.String("severity", string(se.Severity)),
	))
}
