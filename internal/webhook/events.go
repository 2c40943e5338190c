package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// job is one unit of work derived from a delivery.
type job struct {
	start *orchestrator.StartRequest
	ci    *orchestrator.CIEvent
}

func (s *Server) handleWebhook(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()
	eventType := github.WebHookType(r)

	if !s.limiter.Allow(c.RealIP()) {
		s.deliveries.observe(eventType, resultRateLimited)
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", c.RealIP()))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.cfg.BodyLimit)

	payload, err := github.ValidatePayload(r, []byte(s.cfg.WebhookSecret))
	if err != nil {
		s.deliveries.observe(eventType, resultUnsigned)
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.deliveries.observe(eventType, resultInvalid)
		s.logger.Warn(ctx, "failed to parse webhook", zap.String("event", eventType), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ctx = logging.WithRequestID(ctx, github.DeliveryID(r))

	jobs, reason, err := s.mapEvent(event)
	if err != nil {
		s.deliveries.observe(eventType, resultInvalid)
		s.logger.Warn(ctx, "invalid event data", zap.String("event", eventType), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(jobs) == 0 {
		s.deliveries.observe(eventType, resultIgnored)
		s.logger.Debug(ctx, "ignoring event", zap.String("event", eventType), zap.String("reason", reason))
		return c.JSON(http.StatusOK, DeliveryResponse{Status: "ignored", Event: eventType, Reason: reason})
	}

	tasks := make([]string, 0, len(jobs))
	for _, j := range jobs {
		id, err := s.dispatch(ctx, j)
		if err != nil {
			s.deliveries.observe(eventType, resultFailed)
			s.logger.Error(ctx, "failed to dispatch event", zap.String("event", eventType), zap.Error(err))
			return echo.NewHTTPError(http.StatusServiceUnavailable, "dispatch failed")
		}
		tasks = append(tasks, id)
	}

	s.deliveries.observe(eventType, resultAccepted)
	s.logger.Info(ctx, "event accepted", zap.String("event", eventType), zap.Strings("tasks", tasks))
	return c.JSON(http.StatusAccepted, DeliveryResponse{Status: "accepted", Event: eventType, Tasks: tasks})
}

func (s *Server) dispatch(ctx context.Context, j job) (string, error) {
	if j.start != nil {
		return s.dispatcher.DispatchStart(ctx, *j.start)
	}
	return s.dispatcher.DispatchCI(ctx, *j.ci)
}

// mapEvent turns a parsed event into jobs. No jobs and a reason means the
// event is not for the agent.
func (s *Server) mapEvent(event interface{}) ([]job, string, error) {
	switch e := event.(type) {
	case *github.IssuesEvent:
		return s.mapIssues(e)
	case *github.IssueCommentEvent:
		return s.mapIssueComment(e)
	case *github.WorkflowRunEvent:
		return mapWorkflowRun(e)
	case *github.CheckSuiteEvent:
		return mapCheckSuite(e)
	case *github.PingEvent:
		return nil, "ping", nil
	default:
		return nil, fmt.Sprintf("unhandled event %T", event), nil
	}
}

func (s *Server) mapIssues(e *github.IssuesEvent) ([]job, string, error) {
	issue := e.GetIssue()
	if issue.IsPullRequest() {
		return nil, "issue is a pull request", nil
	}

	switch e.GetAction() {
	case "labeled":
		if !strings.EqualFold(e.GetLabel().GetName(), s.cfg.TriggerLabel) {
			return nil, "label is not the trigger label", nil
		}
	case "opened":
		if !hasLabel(issue.Labels, s.cfg.TriggerLabel) {
			return nil, "issue does not carry the trigger label", nil
		}
	default:
		return nil, "issue action " + e.GetAction(), nil
	}

	req, err := startRequest(e.GetRepo(), issue.GetNumber(), e.GetInstallation().GetID(), false)
	if err != nil {
		return nil, "", err
	}
	return []job{{start: req}}, "", nil
}

func (s *Server) mapIssueComment(e *github.IssueCommentEvent) ([]job, string, error) {
	if e.GetAction() != "created" {
		return nil, "comment action " + e.GetAction(), nil
	}
	if e.GetIssue().IsPullRequest() {
		return nil, "comment is on a pull request", nil
	}
	if s.cfg.RestartCommand == "" || !strings.HasPrefix(strings.TrimSpace(e.GetComment().GetBody()), s.cfg.RestartCommand) {
		return nil, "comment is not a command", nil
	}

	req, err := startRequest(e.GetRepo(), e.GetIssue().GetNumber(), e.GetInstallation().GetID(), true)
	if err != nil {
		return nil, "", err
	}
	return []job{{start: req}}, "", nil
}

func mapWorkflowRun(e *github.WorkflowRunEvent) ([]job, string, error) {
	if e.GetAction() != "completed" {
		return nil, "workflow run action " + e.GetAction(), nil
	}
	run := e.GetWorkflowRun()
	return ciJobs(e.GetRepo(), run.PullRequests, run.GetStatus(), run.GetConclusion())
}

func mapCheckSuite(e *github.CheckSuiteEvent) ([]job, string, error) {
	if e.GetAction() != "completed" {
		return nil, "check suite action " + e.GetAction(), nil
	}
	suite := e.GetCheckSuite()
	return ciJobs(e.GetRepo(), suite.PullRequests, suite.GetStatus(), suite.GetConclusion())
}

func ciJobs(repo *github.Repository, prs []*github.PullRequest, status, conclusion string) ([]job, string, error) {
	if len(prs) == 0 {
		return nil, "no associated pull requests", nil
	}
	fullName, err := repoName(repo)
	if err != nil {
		return nil, "", err
	}

	jobs := make([]job, 0, len(prs))
	seen := make(map[int]bool, len(prs))
	for _, pr := range prs {
		n := pr.GetNumber()
		if seen[n] {
			continue
		}
		seen[n] = true
		ev := &orchestrator.CIEvent{
			Repository: fullName,
			PRNumber:   n,
			Status:     status,
			Conclusion: conclusion,
		}
		if err := ev.Validate(); err != nil {
			return nil, "", err
		}
		jobs = append(jobs, job{ci: ev})
	}
	return jobs, "", nil
}

func startRequest(repo *github.Repository, issue int, installation int64, restart bool) (*orchestrator.StartRequest, error) {
	fullName, err := repoName(repo)
	if err != nil {
		return nil, err
	}
	req := &orchestrator.StartRequest{
		Repository:     fullName,
		IssueNumber:    issue,
		InstallationID: installation,
		Restart:        restart,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// repoName validates the owner and name of repo to prevent injection into
// API paths and workflow ids.
func repoName(repo *github.Repository) (string, error) {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" || name == "" {
		return "", errors.New("repository owner and name are required")
	}
	if !validNameRegex.MatchString(owner) {
		return "", fmt.Errorf("invalid repository owner format")
	}
	if !validNameRegex.MatchString(name) {
		return "", fmt.Errorf("invalid repository name format")
	}
	return owner + "/" + name, nil
}

func hasLabel(labels []*github.Label, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.GetName(), name) {
			return true
		}
	}
	return false
}
