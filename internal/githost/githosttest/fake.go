// Package githosttest provides an in-memory githost.Gateway for tests.
package githosttest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/OneBeatTrue/code-agent/internal/githost"
)

// Comment is a posted issue or pull request comment.
type Comment struct {
	Number int
	Body   string
}

// Review is a posted pull request review.
type Review struct {
	Number int
	Body   string
	Event  githost.ReviewEvent
}

// Commit is a recorded file write.
type Commit struct {
	Branch  string
	Path    string
	Message string
	Update  bool
}

// Gateway is a single-repository fake. The zero value is not usable; call
// New.
type Gateway struct {
	mu sync.Mutex

	Repo         string
	DefaultRef   string
	Issues       map[int]*githost.Issue
	Branches     map[string]string            // branch -> sha
	Files        map[string]map[string]string // branch -> path -> content
	PullRequests map[int]*githost.PullRequest
	PRFiles      map[int][]githost.ChangedFile
	Runs         []githost.WorkflowRun
	Comments     []Comment
	Reviews      []Review
	Commits      []Commit
	Calls        []string
	NextPRNumber int
	shaCounter   int
	failures     map[string]error
	closed       bool
}

// New returns a fake for repo with a main branch at sha "base".
func New(repo string) *Gateway {
	return &Gateway{
		Repo:         repo,
		DefaultRef:   "main",
		Issues:       map[int]*githost.Issue{},
		Branches:     map[string]string{"main": "base"},
		Files:        map[string]map[string]string{"main": {}},
		PullRequests: map[int]*githost.PullRequest{},
		PRFiles:      map[int][]githost.ChangedFile{},
		NextPRNumber: 1,
		failures:     map[string]error{},
	}
}

// Fail makes every later call to op return err.
func (g *Gateway) Fail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = err
}

// AddIssue registers an issue.
func (g *Gateway) AddIssue(number int, title, body string, labels ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Issues[number] = &githost.Issue{Number: number, Title: title, Body: body, State: "open", Labels: labels}
}

// AddFile puts content at path on the default branch.
func (g *Gateway) AddFile(path, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Files[g.DefaultRef][path] = content
}

// Called reports how many times op was invoked.
func (g *Gateway) Called(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// CommentBodies returns the bodies of all posted comments.
func (g *Gateway) CommentBodies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.Comments))
	for i, c := range g.Comments {
		out[i] = c.Body
	}
	return out
}

// ReviewEvents returns the events of all posted reviews.
func (g *Gateway) ReviewEvents() []githost.ReviewEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]githost.ReviewEvent, len(g.Reviews))
	for i, r := range g.Reviews {
		out[i] = r.Event
	}
	return out
}

// Closed reports whether Close was called.
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Provider returns a githost.Provider that always opens g.
func (g *Gateway) Provider() githost.Provider {
	return provider{g}
}

type provider struct{ g *Gateway }

func (p provider) Open(context.Context, int64) (githost.Gateway, error) {
	p.g.mu.Lock()
	p.g.closed = false
	p.g.mu.Unlock()
	return p.g, nil
}

// enter records the call and returns a scripted failure. g.mu must be held.
func (g *Gateway) enter(op, repo string) error {
	g.Calls = append(g.Calls, op)
	if err, ok := g.failures[op]; ok {
		return err
	}
	if repo != g.Repo {
		return fmt.Errorf("%s: %w", op, githost.ErrNotFound)
	}
	return nil
}

func (g *Gateway) nextSHA() string {
	g.shaCounter++
	return fmt.Sprintf("sha%d", g.shaCounter)
}

func (g *Gateway) GetIssue(_ context.Context, repo string, number int) (*githost.Issue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetIssue", repo); err != nil {
		return nil, err
	}
	is, ok := g.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d: %w", number, githost.ErrNotFound)
	}
	cp := *is
	return &cp, nil
}

func (g *Gateway) GetPullRequest(_ context.Context, repo string, number int) (*githost.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetPullRequest", repo); err != nil {
		return nil, err
	}
	pr, ok := g.PullRequests[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d: %w", number, githost.ErrNotFound)
	}
	cp := *pr
	return &cp, nil
}

func (g *Gateway) CreatePullRequest(_ context.Context, repo string, in githost.NewPullRequest) (*githost.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreatePullRequest", repo); err != nil {
		return nil, err
	}
	for _, pr := range g.PullRequests {
		if pr.HeadRef == in.Head && pr.State == "open" {
			return nil, fmt.Errorf("a pull request for %s: %w", in.Head, githost.ErrAlreadyExists)
		}
	}
	pr := &githost.PullRequest{
		Number:  g.NextPRNumber,
		Title:   in.Title,
		Body:    in.Body,
		State:   "open",
		HeadRef: in.Head,
		HeadSHA: g.Branches[in.Head],
		BaseRef: in.Base,
		URL:     fmt.Sprintf("https://github.com/%s/pull/%d", repo, g.NextPRNumber),
	}
	g.PullRequests[pr.Number] = pr
	g.NextPRNumber++
	cp := *pr
	return &cp, nil
}

func (g *Gateway) UpdatePullRequest(_ context.Context, repo string, number int, title, body string) (*githost.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("UpdatePullRequest", repo); err != nil {
		return nil, err
	}
	pr, ok := g.PullRequests[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d: %w", number, githost.ErrNotFound)
	}
	pr.Title, pr.Body = title, body
	cp := *pr
	return &cp, nil
}

func (g *Gateway) ListPullRequestFiles(_ context.Context, repo string, number int) ([]githost.ChangedFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ListPullRequestFiles", repo); err != nil {
		return nil, err
	}
	if files, ok := g.PRFiles[number]; ok {
		return append([]githost.ChangedFile(nil), files...), nil
	}
	pr, ok := g.PullRequests[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d: %w", number, githost.ErrNotFound)
	}

	// Derive the diff from the branch contents.
	head, base := g.Files[pr.HeadRef], g.Files[pr.BaseRef]
	paths := make([]string, 0, len(head))
	for p := range head {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var out []githost.ChangedFile
	for _, p := range paths {
		old, existed := base[p]
		if existed && old == head[p] {
			continue
		}
		lines := strings.Count(head[p], "\n") + 1
		status := "added"
		if existed {
			status = "modified"
		}
		out = append(out, githost.ChangedFile{
			Filename:  p,
			Status:    status,
			Additions: lines,
			Changes:   lines,
			Patch:     "@@ -0,0 +1," + fmt.Sprint(lines) + " @@\n+" + strings.ReplaceAll(head[p], "\n", "\n+"),
		})
	}
	return out, nil
}

func (g *Gateway) DefaultBranch(_ context.Context, repo string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("DefaultBranch", repo); err != nil {
		return "", err
	}
	return g.DefaultRef, nil
}

func (g *Gateway) GetBranch(_ context.Context, repo, branch string) (*githost.Branch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetBranch", repo); err != nil {
		return nil, err
	}
	sha, ok := g.Branches[branch]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", branch, githost.ErrNotFound)
	}
	return &githost.Branch{Name: branch, SHA: sha}, nil
}

func (g *Gateway) BranchHead(_ context.Context, repo, branch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("BranchHead", repo); err != nil {
		return "", err
	}
	sha, ok := g.Branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s: %w", branch, githost.ErrNotFound)
	}
	return sha, nil
}

func (g *Gateway) CreateBranch(_ context.Context, repo, branch, sha string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateBranch", repo); err != nil {
		return err
	}
	if _, ok := g.Branches[branch]; ok {
		return fmt.Errorf("Reference already exists: %w", githost.ErrAlreadyExists)
	}
	g.Files[branch] = g.snapshot(sha)
	g.Branches[branch] = sha
	return nil
}

func (g *Gateway) UpdateBranch(_ context.Context, repo, branch, sha string, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("UpdateBranch", repo); err != nil {
		return err
	}
	if _, ok := g.Branches[branch]; !ok {
		return fmt.Errorf("branch %s: %w", branch, githost.ErrNotFound)
	}
	if !force {
		return fmt.Errorf("update %s: not a fast-forward", branch)
	}
	g.Files[branch] = g.snapshot(sha)
	g.Branches[branch] = sha
	return nil
}

// snapshot copies the files of whichever branch points at sha.
func (g *Gateway) snapshot(sha string) map[string]string {
	out := map[string]string{}
	src := g.Files[g.DefaultRef]
	for b, s := range g.Branches {
		if s == sha && g.Files[b] != nil {
			src = g.Files[b]
			break
		}
	}
	for p, c := range src {
		out[p] = c
	}
	return out
}

func (g *Gateway) GetFile(_ context.Context, repo, path, ref string) (*githost.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetFile", repo); err != nil {
		return nil, err
	}
	content, ok := g.Files[ref][path]
	if !ok {
		return nil, nil
	}
	return &githost.File{Path: path, Content: content, SHA: "blob-" + path}, nil
}

func (g *Gateway) PutFile(_ context.Context, repo string, w githost.FileWrite) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("PutFile", repo); err != nil {
		return err
	}
	files, ok := g.Files[w.Branch]
	if !ok {
		return fmt.Errorf("branch %s: %w", w.Branch, githost.ErrNotFound)
	}
	if _, exists := files[w.Path]; exists && w.SHA == "" {
		return fmt.Errorf("%s: sha wasn't supplied: %w", w.Path, githost.ErrAlreadyExists)
	}
	files[w.Path] = w.Content
	g.Branches[w.Branch] = g.nextSHA()
	g.Commits = append(g.Commits, Commit{Branch: w.Branch, Path: w.Path, Message: w.Message, Update: w.SHA != ""})
	return nil
}

func (g *Gateway) ListDirectory(_ context.Context, repo, path, ref string) ([]githost.DirEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ListDirectory", repo); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, "/")
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]githost.DirEntry{}
	for p := range g.Files[ref] {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		typ := "file"
		if isDir {
			typ = "dir"
		}
		seen[name] = githost.DirEntry{Name: name, Path: prefix + name, Type: typ}
	}
	out := make([]githost.DirEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (g *Gateway) CreateComment(_ context.Context, repo string, number int, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateComment", repo); err != nil {
		return err
	}
	g.Comments = append(g.Comments, Comment{Number: number, Body: body})
	return nil
}

func (g *Gateway) CreateReview(_ context.Context, repo string, number int, body string, event githost.ReviewEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateReview", repo); err != nil {
		return err
	}
	g.Reviews = append(g.Reviews, Review{Number: number, Body: body, Event: event})
	return nil
}

func (g *Gateway) ListWorkflowRuns(_ context.Context, repo string, filter githost.RunFilter) ([]githost.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ListWorkflowRuns", repo); err != nil {
		return nil, err
	}
	var out []githost.WorkflowRun
	for _, r := range g.Runs {
		if filter.Branch != "" && r.HeadBranch != filter.Branch {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (g *Gateway) GetWorkflowRun(_ context.Context, repo string, runID int64) (*githost.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetWorkflowRun", repo); err != nil {
		return nil, err
	}
	for _, r := range g.Runs {
		if r.ID == runID {
			cp := r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("run %d: %w", runID, githost.ErrNotFound)
}

func (g *Gateway) ListRunJobs(_ context.Context, repo string, _ int64) ([]githost.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return nil, g.enter("ListRunJobs", repo)
}

func (g *Gateway) GetCombinedStatus(_ context.Context, repo, _ string) (*githost.CommitStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetCombinedStatus", repo); err != nil {
		return nil, err
	}
	return &githost.CommitStatus{State: "success"}, nil
}

func (g *Gateway) ListCheckRuns(_ context.Context, repo, _ string) ([]githost.CheckRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return nil, g.enter("ListCheckRuns", repo)
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

var _ githost.Gateway = (*Gateway)(nil)
