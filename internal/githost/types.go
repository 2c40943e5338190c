package githost

import (
	"strings"
	"time"
)

// ReviewEvent is the formal action attached to a pull request review.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// Issue is the subset of an issue the agent works from.
type Issue struct {
	Number        int
	Title         string
	Body          string
	State         string
	Labels        []string
	URL           string
	IsPullRequest bool
}

// HasLabel reports whether the issue carries label, ignoring case.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// PullRequest is the subset of a pull request the agent reads and writes.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	State   string
	HeadRef string
	HeadSHA string
	BaseRef string
	URL     string
	Author  string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// ChangedFile is one file in a pull request diff.
type ChangedFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Changes   int
	Patch     string
}

// Branch is a named ref and its head commit.
type Branch struct {
	Name string
	SHA  string
}

// File is a file's decoded content and its revision marker.
type File struct {
	Path    string
	Content string
	SHA     string
}

// FileWrite is a create-or-update request. An empty SHA creates the file.
type FileWrite struct {
	Path    string
	Content string
	Message string
	Branch  string
	SHA     string
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Path string
	Type string // file, dir, symlink, submodule
	SHA  string
	Size int
}

// RunFilter narrows a workflow run listing.
type RunFilter struct {
	Branch  string
	Status  string
	PerPage int
}

// WorkflowRun is a CI workflow run.
type WorkflowRun struct {
	ID           int64
	Name         string
	HeadBranch   string
	HeadSHA      string
	Status       string
	Conclusion   string
	URL          string
	PullRequests []int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Completed reports whether the run has finished.
func (r *WorkflowRun) Completed() bool {
	return r.Status == "completed"
}

// Job is one job of a workflow run.
type Job struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}

// CommitStatus is the combined legacy status of a commit.
type CommitStatus struct {
	State    string
	Total    int
	Contexts []StatusContext
}

// StatusContext is one legacy status reported against a commit.
type StatusContext struct {
	Context     string
	State       string
	Description string
}

// CheckRun is a check reported against a commit.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}
