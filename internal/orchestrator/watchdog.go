package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// Watchdog gives up on cycles whose CI never reports. Before failing a
// cycle it checks the hosting service for a finished run it may have missed
// and delivers that instead.
type Watchdog struct {
	orch     *Orchestrator
	interval time.Duration
	maxWait  time.Duration
	logger   *logging.Logger
}

// NewWatchdog creates a watchdog that sweeps every interval and times out
// records that have waited on CI longer than maxWait.
func NewWatchdog(o *Orchestrator, interval, maxWait time.Duration) (*Watchdog, error) {
	if interval <= 0 || maxWait <= 0 {
		return nil, errors.New("watchdog: interval and max wait must be positive")
	}
	return &Watchdog{
		orch:     o,
		interval: interval,
		maxWait:  maxWait,
		logger:   o.logger.Named("watchdog"),
	}, nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked   int
	Delivered int
	TimedOut  int
	Skipped   int // moved on from WAITING_CI while being checked
}

// Run sweeps until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "CI watchdog started",
		zap.Duration("interval", w.interval), zap.Duration("max_wait", w.maxWait))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := w.Sweep(ctx)
			if err != nil {
				w.logger.Error(ctx, "watchdog sweep failed", zap.Error(err))
				continue
			}
			if res.Delivered > 0 || res.TimedOut > 0 || res.Skipped > 0 {
				w.logger.Info(ctx, "watchdog sweep",
					zap.Int("checked", res.Checked),
					zap.Int("delivered", res.Delivered),
					zap.Int("timed_out", res.TimedOut),
					zap.Int("skipped", res.Skipped),
				)
			}
		}
	}
}

// Sweep checks every record that has waited on CI longer than the limit.
func (w *Watchdog) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	records, err := w.orch.store.ListInFlight(ctx)
	if err != nil {
		return res, err
	}
	now := w.orch.now()
	for i := range records {
		rec := &records[i]
		if rec.Status != iteration.StatusWaitingCI || now.Sub(rec.UpdatedAt) < w.maxWait {
			continue
		}
		res.Checked++
		action, err := w.check(cycleContext(ctx, rec), rec)
		if err != nil {
			return res, err
		}
		switch action {
		case actionDelivered:
			res.Delivered++
		case actionTimedOut:
			res.TimedOut++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

type sweepAction int

const (
	actionSkipped sweepAction = iota
	actionDelivered
	actionTimedOut
)

// check delivers a finished run for rec's pull request head if there is
// one, and otherwise fails the cycle if it is still waiting on CI. The
// snapshot from the sweep may be stale by now, so the failure is a
// conditional write.
func (w *Watchdog) check(ctx context.Context, rec *iteration.Record) (sweepAction, error) {
	if rec.HasPR() {
		if ev, ok := w.findRun(ctx, rec); ok {
			w.logger.Info(ctx, "delivering missed CI result", zap.String("conclusion", ev.Conclusion))
			_, err := w.orch.HandleCICompletion(ctx, ev)
			return actionDelivered, err
		}
	}
	w.logger.Warn(ctx, "CI did not report in time", zap.Duration("waited", w.orch.now().Sub(rec.UpdatedAt)))
	failed, err := w.orch.completeIf(ctx, nil, rec, iteration.StatusWaitingCI, iteration.StatusFailed, ReasonCITimeout)
	if err != nil || !failed {
		return actionSkipped, err
	}
	return actionTimedOut, nil
}

func (w *Watchdog) findRun(ctx context.Context, rec *iteration.Record) (CIEvent, bool) {
	gw, err := w.orch.hosts.Open(ctx, rec.InstallationID)
	if err != nil {
		w.logger.Warn(ctx, "watchdog could not open hosting session", zap.Error(err))
		return CIEvent{}, false
	}
	defer w.orch.closeSession(ctx, gw)

	pr, err := gw.GetPullRequest(ctx, rec.RepositoryFullName, rec.PRNumber)
	if err != nil {
		w.logger.Warn(ctx, "watchdog could not read pull request", zap.Error(err))
		return CIEvent{}, false
	}
	runs, err := gw.ListWorkflowRuns(ctx, rec.RepositoryFullName, githost.RunFilter{Branch: pr.HeadRef, PerPage: 20})
	if err != nil {
		w.logger.Warn(ctx, "watchdog could not list workflow runs", zap.Error(err))
		return CIEvent{}, false
	}
	for _, run := range runs {
		// CIEvent.Validate rejects an empty conclusion.
		if run.HeadSHA == pr.HeadSHA && run.Completed() && run.Conclusion != "" {
			return CIEvent{
				Repository: rec.RepositoryFullName,
				PRNumber:   rec.PRNumber,
				Status:     run.Status,
				Conclusion: run.Conclusion,
			}, true
		}
	}
	return CIEvent{}, false
}
