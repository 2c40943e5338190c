package workflows

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/OneBeatTrue/code-agent/internal/dispatch"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

// Activities binds the orchestrator to Temporal. Register a single value
// with the worker; workflows refer to its methods by name.
type Activities struct {
	runner  dispatch.Runner
	metrics *activityMetrics
}

// NewActivities creates the activity set. A nil meter provider uses the
// global one.
func NewActivities(runner dispatch.Runner, mp metric.MeterProvider) (*Activities, error) {
	if runner == nil {
		return nil, errors.New("workflows: runner is required")
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newActivityMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Activities{runner: runner, metrics: m}, nil
}

// StartCycle runs orchestrator.StartCycle.
func (a *Activities) StartCycle(ctx context.Context, in StartCycleInput) (res *StartCycleResult, err error) {
	defer func(start time.Time) { a.metrics.record(ctx, "start_cycle", start, err) }(time.Now())

	req := orchestrator.StartRequest{
		Repository:     in.Repository,
		IssueNumber:    in.IssueNumber,
		InstallationID: in.InstallationID,
		Restart:        in.Restart,
	}
	if err := req.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	out, err := a.runner.StartCycle(logging.WithRequestID(ctx, in.DeliveryID), req)
	if err != nil {
		return nil, err
	}
	res = &StartCycleResult{Existing: out.Existing}
	if rec := out.Record; rec != nil {
		res.RecordID = rec.ID
		res.Status = string(rec.Status)
		res.Iteration = rec.CurrentIteration
		res.PRNumber = rec.PRNumber
	}
	return res, nil
}

// HandleCICompletion runs orchestrator.HandleCICompletion.
func (a *Activities) HandleCICompletion(ctx context.Context, in CIEventInput) (res *CIEventResult, err error) {
	defer func(start time.Time) { a.metrics.record(ctx, "ci_completion", start, err) }(time.Now())

	ev := orchestrator.CIEvent{
		Repository: in.Repository,
		PRNumber:   in.PRNumber,
		Status:     in.Status,
		Conclusion: in.Conclusion,
	}
	if err := ev.Validate(); err != nil {
		return nil, invalidInput(err)
	}

	outcome, err := a.runner.HandleCICompletion(logging.WithRequestID(ctx, in.DeliveryID), ev)
	if err != nil {
		return nil, err
	}
	return &CIEventResult{Outcome: string(outcome)}, nil
}

// RunCodeStep runs orchestrator.RunCodeStep.
func (a *Activities) RunCodeStep(ctx context.Context, in CodeStepInput) (res *CodeStepResult, err error) {
	defer func(start time.Time) { a.metrics.record(ctx, "code_step", start, err) }(time.Now())

	if in.RecordID == 0 {
		return nil, invalidInput(errors.New("record id is required"))
	}
	rec, err := a.runner.RunCodeStep(ctx, in.RecordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &CodeStepResult{}, nil
	}
	return &CodeStepResult{Found: true, Status: string(rec.Status), Iteration: rec.CurrentIteration}, nil
}
