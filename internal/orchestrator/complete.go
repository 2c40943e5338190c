package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/events"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
)

var (
	// ErrRecordNotFound is returned by Cancel for an unknown record id.
	ErrRecordNotFound = errors.New("iteration record not found")
	// ErrAlreadyFinished is returned by Cancel for a record that has
	// already reached a terminal status.
	ErrAlreadyFinished = errors.New("iteration record already finished")
)

// Cancel ends an active cycle as cancelled and tells the pull request why.
// A step still running for the cycle notices on its next store write and
// stops.
func (o *Orchestrator) Cancel(ctx context.Context, recordID uint, reason string) (*iteration.Record, error) {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	ctx = cycleContext(ctx, rec)
	if !rec.IsActive {
		return rec, ErrAlreadyFinished
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested by operator"
	}
	if err := o.complete(ctx, nil, rec, iteration.StatusCancelled, "Cancelled: "+reason); err != nil {
		return nil, err
	}
	return o.reload(ctx, rec), nil
}

// complete finishes rec with a terminal status exactly once and, when the
// cycle opened a pull request, posts the final summary on it. A nil gw opens
// a session for the comment. Losing the race to another completion is not
// an error.
func (o *Orchestrator) complete(ctx context.Context, gw githost.Gateway, rec *iteration.Record, status iteration.Status, message string) error {
	_, err := o.completeIf(ctx, gw, rec, "", status, message)
	return err
}

// completeIf is complete guarded on rec still being in status from. An empty
// from completes from any status. It reports whether this call finished the
// cycle.
func (o *Orchestrator) completeIf(ctx context.Context, gw githost.Gateway, rec *iteration.Record, from, status iteration.Status, message string) (bool, error) {
	var done *iteration.Record
	var err error
	if from == "" {
		done, err = o.store.Complete(ctx, rec.ID, status)
	} else {
		done, err = o.store.CompleteIf(ctx, rec.ID, from, status)
	}
	switch {
	case errors.Is(err, iteration.ErrInactive):
		o.logger.Info(ctx, "cycle already finished", zap.String("status", statusOf(done)))
		return false, nil
	case errors.Is(err, iteration.ErrStatusMismatch):
		o.logger.Info(ctx, "cycle moved on, not completing",
			zap.String("expected", string(from)), zap.String("status", statusOf(done)))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("complete record: %w", err)
	case done == nil:
		return false, nil
	}
	ctx = cycleContext(ctx, done)

	o.metrics.cyclesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	o.publish(ctx, completionKind(status), done, message)
	o.logger.Info(ctx, "cycle finished",
		zap.String("status", string(status)),
		zap.String("message", message),
		zap.Int("iterations", done.CurrentIteration),
	)

	if !done.HasPR() {
		return true, nil
	}
	if gw == nil {
		session, err := o.hosts.Open(ctx, done.InstallationID)
		if err != nil {
			o.degrade(ctx, low("post_final_comment", err))
			return true, nil
		}
		defer o.closeSession(ctx, session)
		gw = session
	}
	body := o.redact(ctx, o.finalComment(done, status, message))
	if err := gw.CreateComment(ctx, done.RepositoryFullName, done.PRNumber, body); err != nil {
		o.degrade(ctx, low("post_final_comment", err))
	}
	return true, nil
}

func completionKind(status iteration.Status) events.Kind {
	switch status {
	case iteration.StatusCompleted:
		return events.KindCompleted
	case iteration.StatusCancelled:
		return events.KindCancelled
	default:
		return events.KindFailed
	}
}

// finalComment renders the summary posted when a cycle ends.
func (o *Orchestrator) finalComment(rec *iteration.Record, status iteration.Status, message string) string {
	var b strings.Builder
	if status == iteration.StatusCompleted {
		b.WriteString("## ✅ SDLC Cycle Completed Successfully!\n\n")
		fmt.Fprintf(&b, "The automated development cycle has been completed successfully after %d iteration(s).\n\n", rec.CurrentIteration)
		fmt.Fprintf(&b, "**Final Status:** %s\n\n", message)
		b.WriteString("This PR is ready for human review and merge.")
	} else {
		heading := "Failed"
		if status == iteration.StatusCancelled {
			heading = "Cancelled"
		}
		fmt.Fprintf(&b, "## ❌ SDLC Cycle %s\n\n", heading)
		b.WriteString("The automated development cycle could not be completed successfully.\n\n")
		fmt.Fprintf(&b, "**Reason:** %s\n", message)
		fmt.Fprintf(&b, "**Iterations:** %d/%d\n\n", rec.CurrentIteration, rec.MaxIterations)
		b.WriteString("Manual intervention may be required to resolve the remaining issues.")
	}
	if o.cfg.CodeAgentName != "" {
		fmt.Fprintf(&b, "\n\n---\n*Posted by %s*", o.cfg.CodeAgentName)
	}
	return b.String()
}
