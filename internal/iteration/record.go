// Package iteration persists the automation state of one issue.
//
// A Record is created when a cycle starts and is mutated in place by every
// orchestration step until it reaches a terminal status, after which it is
// inactive history. At most one active record exists per repository and
// issue; the database enforces this with a partial unique index.
package iteration

import (
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusWaitingCI Status = "waiting_ci"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// InFlight lists the statuses of a cycle that still has work pending.
var InFlight = []Status{StatusRunning, StatusWaitingCI, StatusReviewing}

// IsTerminal reports whether s ends a cycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusWaitingCI, StatusReviewing,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the persisted state of one issue's automation cycle.
type Record struct {
	ID                       uint       `gorm:"primaryKey" json:"id"`
	RepositoryFullName       string     `gorm:"size:255;not null;index:idx_iteration_repo_issue;index:idx_iteration_repo_pr" json:"repository_full_name"`
	IssueNumber              int        `gorm:"not null;index:idx_iteration_repo_issue" json:"issue_number"`
	InstallationID           int64      `json:"installation_id"`
	CurrentIteration         int        `gorm:"not null;default:0" json:"current_iteration"`
	MaxIterations            int        `gorm:"not null" json:"max_iterations"`
	Status                   Status     `gorm:"size:32;not null;index" json:"status"`
	IssueTitle               string     `gorm:"size:512" json:"issue_title"`
	IssueBody                string     `gorm:"type:text" json:"issue_body,omitempty"`
	BranchName               string     `gorm:"size:255" json:"branch_name,omitempty"`
	PRNumber                 int        `gorm:"index:idx_iteration_repo_pr" json:"pr_number,omitempty"`
	LastReviewScore          float64    `json:"last_review_score"`
	LastReviewRecommendation string     `gorm:"size:64" json:"last_review_recommendation,omitempty"`
	LastReviewFeedback       string     `gorm:"type:text" json:"last_review_feedback,omitempty"`
	LastCIStatus             string     `gorm:"size:64" json:"last_ci_status,omitempty"`
	LastCIConclusion         string     `gorm:"size:64" json:"last_ci_conclusion,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	IsActive                 bool       `gorm:"not null;default:true;index" json:"is_active"`
}

// TableName pins the table name independent of gorm's pluralization.
func (Record) TableName() string {
	return "iteration_records"
}

// HasPR reports whether a pull request has been opened for the cycle.
func (r *Record) HasPR() bool {
	return r.PRNumber > 0
}

// BudgetExhausted reports whether no further code step may run.
func (r *Record) BudgetExhausted() bool {
	return r.CurrentIteration >= r.MaxIterations
}

// NewRecord carries the values needed to open a cycle.
type NewRecord struct {
	Repository     string
	IssueNumber    int
	InstallationID int64
	IssueTitle     string
	IssueBody      string
	MaxIterations  int
}

// Fields is a partial update. Nil fields are left unchanged.
type Fields struct {
	Status                   *Status
	IssueTitle               *string
	IssueBody                *string
	BranchName               *string
	PRNumber                 *int
	LastReviewScore          *float64
	LastReviewRecommendation *string
	LastReviewFeedback       *string
	LastCIStatus             *string
	LastCIConclusion         *string
}

// Ptr returns a pointer to v, for building Fields.
func Ptr[T any](v T) *T {
	return &v
}

func (f Fields) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if f.Status != nil {
		cols["status"] = *f.Status
	}
	if f.IssueTitle != nil {
		cols["issue_title"] = *f.IssueTitle
	}
	if f.IssueBody != nil {
		cols["issue_body"] = *f.IssueBody
	}
	if f.BranchName != nil {
		cols["branch_name"] = *f.BranchName
	}
	if f.PRNumber != nil {
		cols["pr_number"] = *f.PRNumber
	}
	if f.LastReviewScore != nil {
		cols["last_review_score"] = *f.LastReviewScore
	}
	if f.LastReviewRecommendation != nil {
		cols["last_review_recommendation"] = *f.LastReviewRecommendation
	}
	if f.LastReviewFeedback != nil {
		cols["last_review_feedback"] = *f.LastReviewFeedback
	}
	if f.LastCIStatus != nil {
		cols["last_ci_status"] = *f.LastCIStatus
	}
	if f.LastCIConclusion != nil {
		cols["last_ci_conclusion"] = *f.LastCIConclusion
	}
	return cols
}
