// Package events publishes cycle lifecycle events for external observers.
//
// Events are best effort. A publisher failure never changes the outcome of
// the step that emitted it.
//
// NATS subjects follow the pattern:
//
//	{prefix}.cycle.{owner}.{repo}.{issue}.{kind}
package events

import (
	"context"
	"time"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindStarted   Kind = "started"
	KindCodeStep  Kind = "code_step"
	KindWaitingCI Kind = "waiting_ci"
	KindReviewing Kind = "reviewing"
	KindReviewed  Kind = "reviewed"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	Kind           Kind      `json:"kind"`
	RecordID       uint      `json:"record_id"`
	Repository     string    `json:"repository"`
	IssueNumber    int       `json:"issue_number"`
	PRNumber       int       `json:"pr_number,omitempty"`
	Iteration      int       `json:"iteration"`
	MaxIterations  int       `json:"max_iterations"`
	Status         string    `json:"status"`
	Recommendation string    `json:"recommendation,omitempty"`
	Score          float64   `json:"score,omitempty"`
	Message        string    `json:"message,omitempty"`
	Time           time.Time `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
