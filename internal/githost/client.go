package githost

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/OneBeatTrue/code-agent/internal/logging"
)

const perPage = 100

// Client implements Gateway over go-github.
type Client struct {
	gh     *github.Client
	http   *http.Client
	retry  RetryConfig
	logger *logging.Logger
}

var _ Gateway = (*Client)(nil)

// SplitRepo splits "owner/repo".
func SplitRepo(fullName string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository name %q: want owner/repo", fullName)
	}
	return owner, repo, nil
}

func (c *Client) read(ctx context.Context, op string, call func() (*github.Response, error)) error {
	resp, err := retryRead(ctx, c.retry, c.logger, op, call)
	return wrapError(op, resp, err)
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var is *github.Issue
	err = c.read(ctx, "get issue", func() (resp *github.Response, err error) {
		is, resp, err = c.gh.Issues.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := &Issue{
		Number:        is.GetNumber(),
		Title:         is.GetTitle(),
		Body:          is.GetBody(),
		State:         is.GetState(),
		URL:           is.GetHTMLURL(),
		IsPullRequest: is.IsPullRequest(),
	}
	for _, l := range is.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out, nil
}

func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var pr *github.PullRequest
	err = c.read(ctx, "get pull request", func() (resp *github.Response, err error) {
		pr, resp, err = c.gh.PullRequests.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return toPullRequest(pr), nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		State:   pr.GetState(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
		URL:     pr.GetHTMLURL(),
		Author:  pr.GetUser().GetLogin(),
	}
}

func (c *Client) CreatePullRequest(ctx context.Context, repo string, in NewPullRequest) (*PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(in.Title),
		Body:  github.String(in.Body),
		Head:  github.String(in.Head),
		Base:  github.String(in.Base),
	})
	if err != nil {
		return nil, wrapError("create pull request", resp, err)
	}
	return toPullRequest(pr), nil
}

func (c *Client) UpdatePullRequest(ctx context.Context, repo string, number int, title, body string) (*PullRequest, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Edit(ctx, owner, name, number, &github.PullRequest{
		Title: github.String(title),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, wrapError("update pull request", resp, err)
	}
	return toPullRequest(pr), nil
}

func (c *Client) ListPullRequestFiles(ctx context.Context, repo string, number int) ([]ChangedFile, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var files []ChangedFile
	opts := &github.ListOptions{PerPage: perPage}
	for {
		var page []*github.CommitFile
		var resp *github.Response
		err := c.read(ctx, "list pull request files", func() (r *github.Response, err error) {
			page, r, err = c.gh.PullRequests.ListFiles(ctx, owner, name, number, opts)
			resp = r
			return r, err
		})
		if err != nil {
			return nil, err
		}
		for _, f := range page {
			files = append(files, ChangedFile{
				Filename:  f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Changes:   f.GetChanges(),
				Patch:     f.GetPatch(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return files, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	var r *github.Repository
	err = c.read(ctx, "get repository", func() (resp *github.Response, err error) {
		r, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if r.GetDefaultBranch() == "" {
		return "main", nil
	}
	return r.GetDefaultBranch(), nil
}

func (c *Client) GetBranch(ctx context.Context, repo, branch string) (*Branch, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var b *github.Branch
	err = c.read(ctx, "get branch", func() (resp *github.Response, err error) {
		b, resp, err = c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &Branch{Name: b.GetName(), SHA: b.GetCommit().GetSHA()}, nil
}

func (c *Client) BranchHead(ctx context.Context, repo, branch string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	var ref *github.Reference
	err = c.read(ctx, "get ref", func() (resp *github.Response, err error) {
		ref, resp, err = c.gh.Git.GetRef(ctx, owner, name, "heads/"+branch)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return ref.GetObject().GetSHA(), nil
}

func (c *Client) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	return wrapError("create branch", resp, err)
}

func (c *Client) UpdateBranch(ctx context.Context, repo, branch, sha string, force bool) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.Git.UpdateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}, force)
	return wrapError("update branch", resp, err)
}

func (c *Client) GetFile(ctx context.Context, repo, path, ref string) (*File, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var fc *github.RepositoryContent
	err = c.read(ctx, "get file", func() (resp *github.Response, err error) {
		fc, _, resp, err = c.gh.Repositories.GetContents(ctx, owner, name, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, fmt.Errorf("get file %s: path is a directory", path)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &File{Path: fc.GetPath(), Content: content, SHA: fc.GetSHA()}, nil
}

func (c *Client) PutFile(ctx context.Context, repo string, w FileWrite) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(w.Message),
		Content: []byte(w.Content),
		Branch:  github.String(w.Branch),
	}
	if w.SHA != "" {
		opts.SHA = github.String(w.SHA)
		_, resp, err := c.gh.Repositories.UpdateFile(ctx, owner, name, w.Path, opts)
		return wrapError("update file "+w.Path, resp, err)
	}
	_, resp, err := c.gh.Repositories.CreateFile(ctx, owner, name, w.Path, opts)
	return wrapError("create file "+w.Path, resp, err)
}

func (c *Client) ListDirectory(ctx context.Context, repo, path, ref string) ([]DirEntry, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var dir []*github.RepositoryContent
	err = c.read(ctx, "list directory", func() (resp *github.Response, err error) {
		_, dir, resp, err = c.gh.Repositories.GetContents(ctx, owner, name, path,
			&github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(dir))
	for _, e := range dir {
		entries = append(entries, DirEntry{
			Name: e.GetName(),
			Path: e.GetPath(),
			Type: e.GetType(),
			SHA:  e.GetSHA(),
			Size: e.GetSize(),
		})
	}
	return entries, nil
}

func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{
		Body: github.String(body),
	})
	return wrapError("create comment", resp, err)
}

func (c *Client) CreateReview(ctx context.Context, repo string, number int, body string, event ReviewEvent) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, owner, name, number, &github.PullRequestReviewRequest{
		Body:  github.String(body),
		Event: github.String(string(event)),
	})
	return wrapError("create review", resp, err)
}

func (c *Client) ListWorkflowRuns(ctx context.Context, repo string, filter RunFilter) ([]WorkflowRun, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 10
	}
	var runs *github.WorkflowRuns
	err = c.read(ctx, "list workflow runs", func() (resp *github.Response, err error) {
		runs, resp, err = c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &github.ListWorkflowRunsOptions{
			Branch:      filter.Branch,
			Status:      filter.Status,
			ListOptions: github.ListOptions{PerPage: filter.PerPage},
		})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowRun, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		out = append(out, toWorkflowRun(r))
	}
	return out, nil
}

func (c *Client) GetWorkflowRun(ctx context.Context, repo string, runID int64) (*WorkflowRun, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var run *github.WorkflowRun
	err = c.read(ctx, "get workflow run", func() (resp *github.Response, err error) {
		run, resp, err = c.gh.Actions.GetWorkflowRunByID(ctx, owner, name, runID)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := toWorkflowRun(run)
	return &out, nil
}

// ToWorkflowRun converts a go-github run, as found in webhook payloads.
func ToWorkflowRun(r *github.WorkflowRun) WorkflowRun {
	return toWorkflowRun(r)
}

func toWorkflowRun(r *github.WorkflowRun) WorkflowRun {
	out := WorkflowRun{
		ID:         r.GetID(),
		Name:       r.GetName(),
		HeadBranch: r.GetHeadBranch(),
		HeadSHA:    r.GetHeadSHA(),
		Status:     r.GetStatus(),
		Conclusion: r.GetConclusion(),
		URL:        r.GetHTMLURL(),
		CreatedAt:  r.GetCreatedAt().Time,
		UpdatedAt:  r.GetUpdatedAt().Time,
	}
	for _, pr := range r.PullRequests {
		out.PullRequests = append(out.PullRequests, pr.GetNumber())
	}
	return out
}

func (c *Client) ListRunJobs(ctx context.Context, repo string, runID int64) ([]Job, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var jobs *github.Jobs
	err = c.read(ctx, "list run jobs", func() (resp *github.Response, err error) {
		jobs, resp, err = c.gh.Actions.ListWorkflowJobs(ctx, owner, name, runID,
			&github.ListWorkflowJobsOptions{ListOptions: github.ListOptions{PerPage: perPage}})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(jobs.Jobs))
	for _, j := range jobs.Jobs {
		out = append(out, Job{
			ID:         j.GetID(),
			Name:       j.GetName(),
			Status:     j.GetStatus(),
			Conclusion: j.GetConclusion(),
		})
	}
	return out, nil
}

func (c *Client) GetCombinedStatus(ctx context.Context, repo, ref string) (*CommitStatus, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var cs *github.CombinedStatus
	err = c.read(ctx, "get combined status", func() (resp *github.Response, err error) {
		cs, resp, err = c.gh.Repositories.GetCombinedStatus(ctx, owner, name, ref,
			&github.ListOptions{PerPage: perPage})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := &CommitStatus{State: cs.GetState(), Total: cs.GetTotalCount()}
	for _, s := range cs.Statuses {
		out.Contexts = append(out.Contexts, StatusContext{
			Context:     s.GetContext(),
			State:       s.GetState(),
			Description: s.GetDescription(),
		})
	}
	return out, nil
}

func (c *Client) ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var res *github.ListCheckRunsResults
	err = c.read(ctx, "list check runs", func() (resp *github.Response, err error) {
		res, resp, err = c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, ref,
			&github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: perPage}})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]CheckRun, 0, len(res.CheckRuns))
	for _, cr := range res.CheckRuns {
		out = append(out, CheckRun{
			ID:         cr.GetID(),
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return out, nil
}

func (c *Client) Close() error {
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	return nil
}
