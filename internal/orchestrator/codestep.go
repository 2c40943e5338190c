package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/changeplan"
	"github.com/OneBeatTrue/code-agent/internal/events"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// RunCodeStep runs the next code step of a cycle that is back in running
// after a review asked for changes. Records that are gone, inactive or in
// another status are skipped without error.
func (o *Orchestrator) RunCodeStep(ctx context.Context, recordID uint) (*iteration.Record, error) {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		o.logger.Warn(ctx, "code step for unknown record", zap.Uint("record_id", recordID))
		return nil, nil
	}
	ctx = cycleContext(ctx, rec)
	if !rec.IsActive || rec.Status != iteration.StatusRunning {
		o.logger.Info(ctx, "skipping code step, record not running",
			zap.String("status", string(rec.Status)), zap.Bool("active", rec.IsActive))
		return rec, nil
	}

	gw, err := o.hosts.Open(ctx, rec.InstallationID)
	if err != nil {
		if err := o.fail(ctx, nil, rec, critical("open_session", ReasonCodeFailed, err)); err != nil {
			return nil, err
		}
		return o.reload(ctx, rec), nil
	}
	defer o.closeSession(ctx, gw)

	if err := o.codeStep(ctx, gw, rec); err != nil {
		return nil, err
	}
	return o.reload(ctx, rec), nil
}

// codeStep consumes one iteration of the budget, runs the change engine and
// parks the record in waiting_ci. Only store failures are returned.
func (o *Orchestrator) codeStep(ctx context.Context, gw githost.Gateway, rec *iteration.Record) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.code_step", trace.WithAttributes(
		attribute.Int64("record_id", int64(rec.ID)),
	))
	defer span.End()
	defer o.metrics.observeStep(ctx, "code", o.now())

	bumped, err := o.store.Increment(ctx, rec.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("increment iteration: %w", err)
	}
	if bumped == nil {
		return nil
	}
	rec = bumped
	ctx = cycleContext(ctx, rec)
	span.SetAttributes(attribute.Int("iteration", rec.CurrentIteration))

	if !rec.IsActive {
		o.logger.Info(ctx, "record finished before code step", zap.String("status", string(rec.Status)))
		return nil
	}
	if rec.Status == iteration.StatusFailed || rec.BudgetExhausted() {
		o.logger.Warn(ctx, "iteration budget exhausted",
			zap.Int("iteration", rec.CurrentIteration), zap.Int("max_iterations", rec.MaxIterations))
		return o.complete(ctx, gw, rec, iteration.StatusFailed, ReasonMaxIterations)
	}

	o.metrics.codeSteps.Add(ctx, 1)
	o.publish(ctx, events.KindCodeStep, rec, "")
	o.logger.Info(ctx, "running code step", zap.Bool("has_feedback", rec.LastReviewFeedback != ""))

	out, err := o.coder.Run(ctx, gw, changeplan.Request{
		Repo:          rec.RepositoryFullName,
		IssueNumber:   rec.IssueNumber,
		IssueTitle:    rec.IssueTitle,
		IssueBody:     rec.IssueBody,
		Iteration:     rec.CurrentIteration,
		MaxIterations: rec.MaxIterations,
		BranchName:    rec.BranchName,
		PRNumber:      rec.PRNumber,
		Feedback:      rec.LastReviewFeedback,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, gw, rec, critical("generate_code", ReasonCodeFailed, err))
	}

	waiting, err := o.store.Transition(ctx, rec.ID, iteration.StatusRunning, iteration.StatusWaitingCI, iteration.Fields{
		BranchName: iteration.Ptr(out.BranchName),
		PRNumber:   iteration.Ptr(out.PRNumber),
	})
	if errors.Is(err, iteration.ErrStatusMismatch) || errors.Is(err, iteration.ErrInactive) {
		o.logger.Warn(ctx, "record moved during code step, leaving it",
			zap.String("status", statusOf(waiting)), zap.Error(err))
		return nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("park record in waiting_ci: %w", err)
	}
	if waiting == nil {
		return nil
	}

	ctx = cycleContext(ctx, waiting)
	o.publish(ctx, events.KindWaitingCI, waiting, "")
	o.logger.Info(ctx, "code step finished, waiting for CI",
		zap.String("branch", out.BranchName),
		zap.Int("pr", out.PRNumber),
		zap.Bool("created_pr", out.CreatedPR),
		zap.Int("applied", len(out.Applied)),
		zap.Int("skipped", len(out.Skipped)),
	)
	return nil
}

func cycleContext(ctx context.Context, rec *iteration.Record) context.Context {
	return logging.WithCycle(ctx, logging.Cycle{
		Repo:      rec.RepositoryFullName,
		Issue:     rec.IssueNumber,
		PR:        rec.PRNumber,
		Iteration: rec.CurrentIteration,
		RecordID:  rec.ID,
	})
}

func statusOf(rec *iteration.Record) string {
	if rec == nil {
		return ""
	}
	return string(rec.Status)
}
