package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/events"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/review"
)

// CIEvent reports a finished CI run on a pull request.
type CIEvent struct {
	Repository string `json:"repository"`
	PRNumber   int    `json:"pr_number"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Validate checks the event payload.
func (e CIEvent) Validate() error {
	if _, _, err := githost.SplitRepo(e.Repository); err != nil {
		return err
	}
	if e.PRNumber <= 0 {
		return fmt.Errorf("pull request number must be positive, got %d", e.PRNumber)
	}
	// The watchdog only delivers runs that carry a conclusion for this reason.
	if e.Conclusion == "" {
		return errors.New("CI conclusion is required")
	}
	return nil
}

// Outcome says what HandleCICompletion did with an event.
type Outcome string

const (
	// OutcomeNotFound: no active cycle owns the pull request.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeAlreadyReviewing: another delivery is reviewing this iteration.
	OutcomeAlreadyReviewing Outcome = "already_reviewing"
	// OutcomeStale: the cycle is not waiting on CI.
	OutcomeStale Outcome = "stale"
	// OutcomeReviewed: the event was accepted and a review ran.
	OutcomeReviewed Outcome = "reviewed"
)

// HandleCICompletion reviews the pull request of the cycle waiting on it.
// Exactly one of any number of concurrent deliveries for the same iteration
// gets OutcomeReviewed; the rest are dropped with the outcome that explains
// why.
func (o *Orchestrator) HandleCICompletion(ctx context.Context, ev CIEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	ctx = logging.WithCycle(ctx, logging.Cycle{Repo: ev.Repository, PR: ev.PRNumber})
	ctx, span := o.tracer.Start(ctx, "orchestrator.ci_completion", trace.WithAttributes(
		attribute.String("repository", ev.Repository),
		attribute.Int("pr", ev.PRNumber),
		attribute.String("conclusion", ev.Conclusion),
	))
	defer span.End()

	outcome, err := o.acceptCI(ctx, ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	o.metrics.ciEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome, nil
}

func (o *Orchestrator) acceptCI(ctx context.Context, ev CIEvent) (Outcome, error) {
	rec, err := o.store.GetByPR(ctx, ev.Repository, ev.PRNumber)
	if err != nil {
		return "", err
	}
	if rec == nil {
		o.logger.Info(ctx, "no active cycle for pull request, dropping CI event")
		return OutcomeNotFound, nil
	}
	ctx = cycleContext(ctx, rec)
	if outcome, ok := classify(rec); !ok {
		o.logger.Info(ctx, "dropping CI event", zap.String("outcome", string(outcome)), zap.String("status", string(rec.Status)))
		return outcome, nil
	}

	reviewing, err := o.store.Transition(ctx, rec.ID, iteration.StatusWaitingCI, iteration.StatusReviewing, iteration.Fields{
		LastCIStatus:     iteration.Ptr(ev.Status),
		LastCIConclusion: iteration.Ptr(ev.Conclusion),
	})
	if errors.Is(err, iteration.ErrStatusMismatch) || errors.Is(err, iteration.ErrInactive) {
		outcome, _ := classify(reviewing)
		o.logger.Info(ctx, "lost race for CI event", zap.String("outcome", string(outcome)), zap.String("status", statusOf(reviewing)))
		return outcome, nil
	}
	if err != nil {
		return "", fmt.Errorf("move record to reviewing: %w", err)
	}
	if reviewing == nil {
		return OutcomeNotFound, nil
	}

	o.publish(ctx, events.KindReviewing, reviewing, ev.Conclusion)
	o.logger.Info(ctx, "CI finished, reviewing", zap.String("ci_status", ev.Status), zap.String("ci_conclusion", ev.Conclusion))

	gw, err := o.hosts.Open(ctx, reviewing.InstallationID)
	if err != nil {
		if err := o.fail(ctx, nil, reviewing, critical("open_session", ReasonReviewFailed, err)); err != nil {
			return "", err
		}
		return OutcomeReviewed, nil
	}
	defer o.closeSession(ctx, gw)

	if err := o.reviewStep(ctx, gw, reviewing, ev.Conclusion); err != nil {
		return "", err
	}
	return OutcomeReviewed, nil
}

// classify reports whether rec can accept a CI event, and the drop outcome
// when it cannot.
func classify(rec *iteration.Record) (Outcome, bool) {
	switch {
	case rec == nil:
		return OutcomeNotFound, false
	case !rec.IsActive:
		return OutcomeStale, false
	case rec.Status == iteration.StatusReviewing:
		return OutcomeAlreadyReviewing, false
	case rec.Status != iteration.StatusWaitingCI:
		return OutcomeStale, false
	}
	return OutcomeReviewed, true
}

// reviewStep assesses the pull request, reports the assessment on it and
// decides how the cycle continues.
func (o *Orchestrator) reviewStep(ctx context.Context, gw githost.Gateway, rec *iteration.Record, conclusion string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.review_step", trace.WithAttributes(
		attribute.Int64("record_id", int64(rec.ID)),
		attribute.Int("iteration", rec.CurrentIteration),
	))
	defer span.End()
	defer o.metrics.observeStep(ctx, "review", o.now())

	repo := rec.RepositoryFullName
	pr, err := gw.GetPullRequest(ctx, repo, rec.PRNumber)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, gw, rec, critical("fetch_pull_request", ReasonReviewFailed, err))
	}
	files, err := gw.ListPullRequestFiles(ctx, repo, rec.PRNumber)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, gw, rec, critical("list_pull_request_files", ReasonReviewFailed, err))
	}

	a, err := o.reviewer.Review(ctx, review.Input{
		Repo:         repo,
		IssueNumber:  rec.IssueNumber,
		IssueTitle:   rec.IssueTitle,
		IssueBody:    rec.IssueBody,
		Iteration:    rec.CurrentIteration,
		PR:           pr,
		Files:        files,
		CIConclusion: conclusion,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, gw, rec, critical("review", ReasonReviewFailed, err))
	}
	recommendation := a.Overall.Recommendation
	span.SetAttributes(
		attribute.String("recommendation", string(recommendation)),
		attribute.Float64("score", a.Overall.Score),
	)

	updated, err := o.store.Update(ctx, rec.ID, iteration.Fields{
		LastReviewScore:          iteration.Ptr(a.Overall.Score),
		LastReviewRecommendation: iteration.Ptr(string(recommendation)),
		LastReviewFeedback:       iteration.Ptr(a.Feedback()),
	})
	if errors.Is(err, iteration.ErrStatusMismatch) || errors.Is(err, iteration.ErrInactive) {
		o.logger.Warn(ctx, "record moved during review, discarding result",
			zap.String("status", statusOf(updated)), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("store review result: %w", err)
	}
	if updated != nil {
		rec = updated
	}

	o.metrics.reviews.Add(ctx, 1, metric.WithAttributes(attribute.String("recommendation", string(recommendation))))
	o.publishEvent(ctx, events.Event{
		Kind:           events.KindReviewed,
		RecordID:       rec.ID,
		Repository:     repo,
		IssueNumber:    rec.IssueNumber,
		PRNumber:       rec.PRNumber,
		Iteration:      rec.CurrentIteration,
		MaxIterations:  rec.MaxIterations,
		Status:         string(rec.Status),
		Recommendation: string(recommendation),
		Score:          a.Overall.Score,
	})
	o.logger.Info(ctx, "review finished",
		zap.String("recommendation", string(recommendation)),
		zap.Float64("score", a.Overall.Score),
	)

	comment := review.FormatComment(a, rec.CurrentIteration, conclusion, o.cfg.ReviewerAgentName)
	if err := gw.CreateComment(ctx, repo, rec.PRNumber, o.redact(ctx, comment)); err != nil {
		o.degrade(ctx, high("post_review_comment", err))
	}
	if err := gw.CreateReview(ctx, repo, rec.PRNumber, o.redact(ctx, a.Overall.Summary), a.Event(conclusion)); err != nil {
		o.degrade(ctx, high("submit_review", err))
	}

	return o.decide(ctx, gw, rec, recommendation, conclusion)
}

// decide moves a reviewed record to its next status.
func (o *Orchestrator) decide(ctx context.Context, gw githost.Gateway, rec *iteration.Record, recommendation review.Recommendation, conclusion string) error {
	switch {
	case recommendation.Approves() && conclusion == review.CISuccess:
		return o.complete(ctx, gw, rec, iteration.StatusCompleted, ReasonApproved)

	case recommendation == review.RequestChanges && rec.CurrentIteration < rec.MaxIterations:
		running, err := o.store.Transition(ctx, rec.ID, iteration.StatusReviewing, iteration.StatusRunning, iteration.Fields{})
		if errors.Is(err, iteration.ErrStatusMismatch) || errors.Is(err, iteration.ErrInactive) {
			o.logger.Warn(ctx, "record moved during review, not scheduling",
				zap.String("status", statusOf(running)), zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("return record to running: %w", err)
		}
		if running == nil {
			return nil
		}
		o.logger.Info(ctx, "changes requested, scheduling next iteration")
		if err := o.scheduler.ScheduleCodeStep(ctx, rec.ID); err != nil {
			return o.fail(ctx, gw, running, critical("schedule_code_step", ReasonScheduleFailed, err))
		}
		return nil

	default:
		return o.complete(ctx, gw, rec, iteration.StatusFailed, reasonUnresolvedPrefix+string(recommendation))
	}
}
