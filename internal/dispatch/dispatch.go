// Package dispatch decouples event intake from orchestration work.
//
// Webhook handlers hand events to a Dispatcher and return at once. The
// Dispatcher runs the matching orchestrator entry point on a supervised
// worker, either in this process (Pool) or as a durable workflow (see the
// workflows package). Dispatchers also carry the continuation the
// orchestrator schedules when a review requests changes, so no step ever
// runs on an unsupervised goroutine.
package dispatch

import (
	"context"
	"errors"

	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

var (
	// ErrClosed is returned when dispatching to a closed dispatcher.
	ErrClosed = errors.New("dispatcher is closed")
	// ErrQueueFull is returned when the work queue has no room.
	ErrQueueFull = errors.New("dispatch queue is full")
)

// Dispatcher accepts orchestration work and returns the id of the task
// that will run it.
type Dispatcher interface {
	DispatchStart(ctx context.Context, req orchestrator.StartRequest) (string, error)
	DispatchCI(ctx context.Context, ev orchestrator.CIEvent) (string, error)
	orchestrator.Scheduler
}

// Runner is the orchestrator surface the dispatchers drive.
type Runner interface {
	StartCycle(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	HandleCICompletion(ctx context.Context, ev orchestrator.CIEvent) (orchestrator.Outcome, error)
	RunCodeStep(ctx context.Context, recordID uint) (*iteration.Record, error)
}

var _ Runner = (*orchestrator.Orchestrator)(nil)
