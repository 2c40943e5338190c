package webhook

import "github.com/OneBeatTrue/code-agent/internal/iteration"

// DeliveryResponse answers POST /webhook.
type DeliveryResponse struct {
	Status string   `json:"status"`
	Event  string   `json:"event,omitempty"`
	Tasks  []string `json:"tasks,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// TaskResponse answers admin requests that dispatch work.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// ListResponse answers GET /api/v1/iterations.
type ListResponse struct {
	Iterations []iteration.Record `json:"iterations"`
	Count      int                `json:"count"`
}

// CancelRequest is the body of POST /api/v1/iterations/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
