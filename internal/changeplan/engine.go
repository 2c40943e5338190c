// Package changeplan turns an issue into committed changes and a pull
// request.
//
// An Engine runs one code step: it points the working branch at the base
// commit, asks the assistant for a structured plan, generates and commits
// each planned file, then opens or refreshes the pull request.
package changeplan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// Redactor masks secrets in text before it leaves the process. It returns
// the cleaned text and the number of findings.
type Redactor interface {
	Redact(text string) (string, int)
}

// Request is the input of one code step.
type Request struct {
	Repo          string
	IssueNumber   int
	IssueTitle    string
	IssueBody     string
	Iteration     int
	MaxIterations int
	BranchName    string // empty for the default agent branch
	PRNumber      int    // zero until a pull request exists
	Feedback      string // previous review feedback, if any
}

// Skipped is a planned file that was not committed.
type Skipped struct {
	Path   string
	Reason string
}

// Outcome is the result of a successful code step.
type Outcome struct {
	BranchName string
	BaseBranch string
	PRNumber   int
	CreatedPR  bool
	Plan       *Plan
	Applied    []string
	Skipped    []Skipped
}

// Engine plans and applies code changes.
type Engine struct {
	assistant assistant.Gateway
	opts      assistant.Options
	redactor  Redactor
	logger    *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRedactor scrubs generated file content and the pull request body.
func WithRedactor(r Redactor) Option {
	return func(e *Engine) { e.redactor = r }
}

// NewEngine creates an engine that generates text with a.
func NewEngine(a assistant.Gateway, opts assistant.Options, logger *logging.Logger, options ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{assistant: a, opts: opts, logger: logger.Named("changeplan")}
	for _, o := range options {
		o(e)
	}
	return e
}

// Run executes a full code step against gw.
func (e *Engine) Run(ctx context.Context, gw githost.Gateway, req Request) (*Outcome, error) {
	branch := req.BranchName
	if branch == "" {
		branch = BranchName(req.IssueNumber)
	}

	base, err := gw.DefaultBranch(ctx, req.Repo)
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}
	sha, err := gw.BranchHead(ctx, req.Repo, base)
	if err != nil {
		return nil, fmt.Errorf("resolve %s head: %w", base, err)
	}
	if err := e.PrepareBranch(ctx, gw, req.Repo, branch, sha); err != nil {
		return nil, err
	}

	plan, err := e.Plan(ctx, gw, req, base)
	if err != nil {
		return nil, err
	}

	applied, skipped := e.Apply(ctx, gw, req, branch, plan)

	pr, created, err := e.Publish(ctx, gw, req, branch, base, plan)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		BranchName: branch,
		BaseBranch: base,
		PRNumber:   pr.Number,
		CreatedPR:  created,
		Plan:       plan,
		Applied:    applied,
		Skipped:    skipped,
	}, nil
}

// PrepareBranch creates branch at sha. An existing branch is force-moved to
// sha; a failure to move it is logged and tolerated.
func (e *Engine) PrepareBranch(ctx context.Context, gw githost.Gateway, repo, branch, sha string) error {
	err := gw.CreateBranch(ctx, repo, branch, sha)
	if err == nil {
		e.logger.Info(ctx, "created branch", zap.String("branch", branch), zap.String("sha", sha))
		return nil
	}
	if !githost.IsAlreadyExists(err) {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}

	if err := gw.UpdateBranch(ctx, repo, branch, sha, true); err != nil {
		e.logger.Warn(ctx, "could not reset existing branch", zap.String("branch", branch), zap.Error(err))
		return nil
	}
	e.logger.Info(ctx, "reset existing branch", zap.String("branch", branch), zap.String("sha", sha))
	return nil
}

// Plan asks the assistant for a change plan. The repository's top-level
// listing on ref is included when it can be read.
func (e *Engine) Plan(ctx context.Context, gw githost.Gateway, req Request, ref string) (*Plan, error) {
	var layout []string
	entries, err := gw.ListDirectory(ctx, req.Repo, "", ref)
	if err != nil {
		e.logger.Debug(ctx, "repository listing unavailable", zap.Error(err))
	}
	for _, ent := range entries {
		name := ent.Path
		if ent.Type == "dir" {
			name += "/"
		}
		layout = append(layout, name)
	}

	text, err := e.assistant.Complete(ctx, planMessages(req, layout), e.opts)
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	plan, err := ExtractPlan(text)
	if err != nil {
		e.logger.Warn(ctx, "assistant returned no usable plan", zap.Error(err), zap.Int("response_chars", len(text)))
		return nil, err
	}
	e.logger.Info(ctx, "change plan ready",
		zap.Int("files_to_modify", len(plan.FilesToModify)),
		zap.Int("files_to_create", len(plan.FilesToCreate)),
	)
	return plan, nil
}

// Apply generates and commits each planned file on branch. Files are
// independent: a failure is recorded in skipped and the rest continue.
func (e *Engine) Apply(ctx context.Context, gw githost.Gateway, req Request, branch string, plan *Plan) (applied []string, skipped []Skipped) {
	record := func(path string, err error) {
		if err == nil {
			applied = append(applied, path)
			return
		}
		e.logger.Warn(ctx, "skipped planned file", zap.String("path", path), zap.Error(err))
		skipped = append(skipped, Skipped{Path: path, Reason: err.Error()})
	}

	for _, path := range plan.FilesToModify {
		if ctx.Err() != nil {
			record(path, ctx.Err())
			continue
		}
		record(path, e.modify(ctx, gw, req, branch, plan, path))
	}
	for _, path := range plan.FilesToCreate {
		if ctx.Err() != nil {
			record(path, ctx.Err())
			continue
		}
		record(path, e.create(ctx, gw, req, branch, plan, path))
	}
	return applied, skipped
}

var errUnsafePath = errors.New("path escapes the repository")

func (e *Engine) modify(ctx context.Context, gw githost.Gateway, req Request, branch string, plan *Plan, path string) error {
	if !SafePath(path) {
		return errUnsafePath
	}
	current, err := gw.GetFile(ctx, req.Repo, path, branch)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if current == nil {
		e.logger.Debug(ctx, "planned modification targets a missing file, creating it", zap.String("path", path))
		return e.create(ctx, gw, req, branch, plan, path)
	}

	content, err := e.generate(ctx, modifyMessages(req, plan, path, current.Content))
	if err != nil {
		return err
	}
	return e.write(ctx, gw, req.Repo, githost.FileWrite{
		Path:    path,
		Content: content,
		Message: commitMessage("Modify", path, req.IssueNumber, req.Iteration),
		Branch:  branch,
		SHA:     current.SHA,
	})
}

func (e *Engine) create(ctx context.Context, gw githost.Gateway, req Request, branch string, plan *Plan, path string) error {
	if !SafePath(path) {
		return errUnsafePath
	}
	content, err := e.generate(ctx, createMessages(req, plan, path))
	if err != nil {
		return err
	}

	w := githost.FileWrite{
		Path:    path,
		Content: content,
		Message: commitMessage("Create", path, req.IssueNumber, req.Iteration),
		Branch:  branch,
	}
	err = e.write(ctx, gw, req.Repo, w)
	if !githost.IsAlreadyExists(err) {
		return err
	}

	// A file planned as new can already exist on the branch. Update it in place.
	existing, getErr := gw.GetFile(ctx, req.Repo, path, branch)
	if getErr != nil || existing == nil {
		return err
	}
	w.SHA = existing.SHA
	return e.write(ctx, gw, req.Repo, w)
}

func (e *Engine) generate(ctx context.Context, messages []assistant.Message) (string, error) {
	text, err := e.assistant.Complete(ctx, messages, e.opts)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	content := StripFences(text)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("generate: %w", assistant.ErrEmptyResponse)
	}
	return content, nil
}

func (e *Engine) write(ctx context.Context, gw githost.Gateway, repo string, w githost.FileWrite) error {
	w.Content = e.redact(ctx, "file content", w.Content, zap.String("path", w.Path))
	if err := gw.PutFile(ctx, repo, w); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	e.logger.Info(ctx, "committed file", zap.String("path", w.Path), zap.Bool("update", w.SHA != ""))
	return nil
}

func (e *Engine) redact(ctx context.Context, what, text string, fields ...zap.Field) string {
	if e.redactor == nil {
		return text
	}
	clean, n := e.redactor.Redact(text)
	if n > 0 {
		e.logger.Warn(ctx, "redacted secrets from "+what, append(fields, zap.Int("findings", n))...)
	}
	return clean
}

// Publish opens the pull request for branch, or refreshes the title and body
// of the existing one. It reports whether a pull request was created.
func (e *Engine) Publish(ctx context.Context, gw githost.Gateway, req Request, branch, base string, plan *Plan) (*githost.PullRequest, bool, error) {
	body := e.redact(ctx, "pull request body", PRBody(req, plan))

	if req.PRNumber > 0 {
		pr, err := gw.UpdatePullRequest(ctx, req.Repo, req.PRNumber, PRTitle(req.IssueNumber, req.IssueTitle, req.Iteration), body)
		if err != nil {
			return nil, false, fmt.Errorf("update pull request #%d: %w", req.PRNumber, err)
		}
		e.logger.Info(ctx, "updated pull request", zap.Int("pr", pr.Number))
		return pr, false, nil
	}

	pr, err := gw.CreatePullRequest(ctx, req.Repo, githost.NewPullRequest{
		Title: PRTitle(req.IssueNumber, req.IssueTitle, 0),
		Body:  body,
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create pull request: %w", err)
	}
	e.logger.Info(ctx, "opened pull request", zap.Int("pr", pr.Number), zap.String("url", pr.URL))
	return pr, true, nil
}
