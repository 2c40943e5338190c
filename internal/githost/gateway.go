// Package githost is the agent's gateway to the code hosting service.
//
// A Gateway is a session bound to one installation's credentials. Callers
// open one per orchestration step through a Provider and close it when the
// step ends. Repositories are addressed by full name ("owner/repo").
//
// Reads are retried on rate limits and server errors. Mutations are not:
// a failed write is returned to the caller, classified with ErrNotFound or
// ErrAlreadyExists where that applies.
package githost

import (
	"context"
)

// Gateway is the set of hosting-service operations the agent uses.
type Gateway interface {
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)

	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error)
	UpdatePullRequest(ctx context.Context, repo string, number int, title, body string) (*PullRequest, error)
	ListPullRequestFiles(ctx context.Context, repo string, number int) ([]ChangedFile, error)

	DefaultBranch(ctx context.Context, repo string) (string, error)
	GetBranch(ctx context.Context, repo, branch string) (*Branch, error)
	// BranchHead returns the commit SHA the branch points at.
	BranchHead(ctx context.Context, repo, branch string) (string, error)
	// CreateBranch fails with ErrAlreadyExists when the ref exists.
	CreateBranch(ctx context.Context, repo, branch, sha string) error
	UpdateBranch(ctx context.Context, repo, branch, sha string, force bool) error

	// GetFile returns nil, nil when the file does not exist on ref.
	GetFile(ctx context.Context, repo, path, ref string) (*File, error)
	PutFile(ctx context.Context, repo string, w FileWrite) error
	ListDirectory(ctx context.Context, repo, path, ref string) ([]DirEntry, error)

	CreateComment(ctx context.Context, repo string, number int, body string) error
	CreateReview(ctx context.Context, repo string, number int, body string, event ReviewEvent) error

	ListWorkflowRuns(ctx context.Context, repo string, filter RunFilter) ([]WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, repo string, runID int64) (*WorkflowRun, error)
	ListRunJobs(ctx context.Context, repo string, runID int64) ([]Job, error)
	GetCombinedStatus(ctx context.Context, repo, ref string) (*CommitStatus, error)
	ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error)

	// Close releases the session.
	Close() error
}

// Provider opens gateway sessions scoped to an installation.
type Provider interface {
	Open(ctx context.Context, installationID int64) (Gateway, error)
}
