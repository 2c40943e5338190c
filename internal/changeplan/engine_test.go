package changeplan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/assistant/assistanttest"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/githost/githosttest"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

const (
	testRepo = "acme/shop"

	planPrompt   = "analyzing GitHub issues"
	modifyPrompt = "modifying code files"
	createPrompt = "creating new code files"

	healthPlan = `{
  "summary": "Add a health endpoint",
  "files_to_modify": ["app/main.py"],
  "files_to_create": ["app/health.py"],
  "requirements": ["GET /health returns 200"],
  "technical_approach": "Register a route",
  "dependencies": ["flask"]
}`
)

func newRepo() *githosttest.Gateway {
	gw := githosttest.New(testRepo)
	gw.AddIssue(42, "Add health endpoint", "We need /health")
	gw.AddFile("app/main.py", "app = Flask(__name__)\n")
	return gw
}

func healthAssistant() *assistanttest.Scripted {
	return assistanttest.New().
		On(planPrompt, "Sure!\n"+healthPlan).
		On(modifyPrompt, "```python\napp = Flask(__name__)\nregister(health)\n```").
		On(createPrompt, "```python\ndef health():\n    return 'ok'\n```")
}

func request() Request {
	return Request{
		Repo:          testRepo,
		IssueNumber:   42,
		IssueTitle:    "Add health endpoint",
		IssueBody:     "We need /health",
		Iteration:     1,
		MaxIterations: 5,
	}
}

func TestEngine_Run_OpensPullRequest(t *testing.T) {
	gw := newRepo()
	ai := healthAssistant()
	engine := NewEngine(ai, assistant.Options{MaxTokens: 4000}, nil)

	out, err := engine.Run(context.Background(), gw, request())
	require.NoError(t, err)

	assert.Equal(t, "agent/issue-42", out.BranchName)
	assert.Equal(t, "main", out.BaseBranch)
	assert.Equal(t, 1, out.PRNumber)
	assert.True(t, out.CreatedPR)
	assert.Equal(t, []string{"app/main.py", "app/health.py"}, out.Applied)
	assert.Empty(t, out.Skipped)

	files := gw.Files["agent/issue-42"]
	assert.Equal(t, "app = Flask(__name__)\nregister(health)", files["app/main.py"])
	assert.Equal(t, "def health():\n    return 'ok'", files["app/health.py"])
	assert.Equal(t, "app = Flask(__name__)\n", gw.Files["main"]["app/main.py"])

	require.Len(t, gw.Commits, 2)
	assert.Equal(t, "Modify app/main.py for issue #42 (iteration 1)", gw.Commits[0].Message)
	assert.True(t, gw.Commits[0].Update)
	assert.Equal(t, "Create app/health.py for issue #42 (iteration 1)", gw.Commits[1].Message)
	assert.False(t, gw.Commits[1].Update)

	pr := gw.PullRequests[1]
	assert.Equal(t, "Fix #42: Add health endpoint", pr.Title)
	assert.Equal(t, "agent/issue-42", pr.HeadRef)
	assert.Equal(t, "main", pr.BaseRef)
	assert.Contains(t, pr.Body, "**Iteration:** 1/5")
	assert.Equal(t, 0, gw.Called("UpdateBranch"))

	prompts := ai.Prompts()
	require.Len(t, prompts, 3)
	assert.True(t, strings.HasPrefix(prompts[0], "Issue #42: Add health endpoint\n\nDescription:\nWe need /health\n\nIteration: 1"))
	assert.Contains(t, prompts[0], "- app/")
	assert.Contains(t, prompts[1], "File to modify: app/main.py\n\nCurrent content:\n```\napp = Flask(__name__)\n")
	assert.Equal(t, "Create new file: app/health.py\n\nPlease provide the complete file content.", prompts[2])
}

func TestEngine_Run_ExistingBranchIsReset(t *testing.T) {
	gw := newRepo()
	gw.Branches["agent/issue-42"] = "stale"
	gw.Files["agent/issue-42"] = map[string]string{"leftover.txt": "old attempt"}

	out, err := NewEngine(healthAssistant(), assistant.Options{}, nil).Run(context.Background(), gw, request())
	require.NoError(t, err)

	assert.Equal(t, 1, gw.Called("CreateBranch"))
	assert.Equal(t, 1, gw.Called("UpdateBranch"))
	assert.Equal(t, 1, out.PRNumber)
	assert.NotContains(t, gw.Files["agent/issue-42"], "leftover.txt")
}

func TestEngine_Run_BranchResetFailureIsTolerated(t *testing.T) {
	gw := newRepo()
	gw.Branches["agent/issue-42"] = "stale"
	gw.Files["agent/issue-42"] = map[string]string{"app/main.py": "old"}
	gw.Fail("UpdateBranch", errors.New("update ref: status 422"))
	logger := logging.NewTestLogger()

	out, err := NewEngine(healthAssistant(), assistant.Options{}, logger.Logger).Run(context.Background(), gw, request())
	require.NoError(t, err)
	assert.Equal(t, 1, out.PRNumber)
	logger.AssertLogged(t, zapcore.WarnLevel, "could not reset existing branch")
}

func TestEngine_Run_BranchCreateFailure(t *testing.T) {
	gw := newRepo()
	gw.Fail("CreateBranch", errors.New("create ref: status 500"))

	_, err := NewEngine(healthAssistant(), assistant.Options{}, nil).Run(context.Background(), gw, request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create branch agent/issue-42")
	assert.Equal(t, 0, gw.Called("UpdateBranch"))
	assert.Equal(t, 0, gw.Called("CreatePullRequest"))
}

func TestEngine_Run_NoPlan(t *testing.T) {
	gw := newRepo()
	ai := assistanttest.New().On(planPrompt, "I'm not sure what to do here.")

	_, err := NewEngine(ai, assistant.Options{}, nil).Run(context.Background(), gw, request())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPlan)
	assert.Equal(t, 0, gw.Called("PutFile"))
	assert.Equal(t, 0, gw.Called("CreatePullRequest"))
}

func TestEngine_Run_AssistantUnavailable(t *testing.T) {
	gw := newRepo()
	ai := assistanttest.New().OnError(planPrompt, assistant.ErrUnavailable)

	_, err := NewEngine(ai, assistant.Options{}, nil).Run(context.Background(), gw, request())
	assert.ErrorIs(t, err, assistant.ErrUnavailable)
}

func TestEngine_Run_UpdatesExistingPullRequest(t *testing.T) {
	gw := newRepo()
	gw.PullRequests[7] = &githost.PullRequest{Number: 7, State: "open", HeadRef: "agent/issue-42", BaseRef: "main", Title: "Fix #42: Add health endpoint"}
	ai := healthAssistant()

	req := request()
	req.Iteration = 2
	req.PRNumber = 7
	req.BranchName = "agent/issue-42"
	req.Feedback = "Add a test for /health"

	out, err := NewEngine(ai, assistant.Options{}, nil).Run(context.Background(), gw, req)
	require.NoError(t, err)
	assert.Equal(t, 7, out.PRNumber)
	assert.False(t, out.CreatedPR)
	assert.Equal(t, 0, gw.Called("CreatePullRequest"))

	pr := gw.PullRequests[7]
	assert.Equal(t, "Fix #42: Add health endpoint (Iteration 2)", pr.Title)
	assert.Contains(t, pr.Body, "**Addressed Feedback:**\nAdd a test for /health")

	for _, p := range ai.Prompts()[1:] {
		assert.Contains(t, p, "\n\nConsider this feedback from previous review:\nAdd a test for /health")
	}
	assert.Contains(t, ai.Prompts()[0], "\n\nPrevious review feedback:\nAdd a test for /health")
}

func TestEngine_Apply_SkipsFailedFiles(t *testing.T) {
	gw := newRepo()
	require.NoError(t, gw.CreateBranch(context.Background(), testRepo, "agent/issue-42", "base"))
	ai := assistanttest.New().
		OnError(modifyPrompt, assistant.ErrUnavailable).
		On(createPrompt, "```\n\n```")
	plan := &Plan{
		FilesToModify: []string{"app/main.py", "../escape.py"},
		FilesToCreate: []string{"app/empty.py"},
	}

	applied, skipped := NewEngine(ai, assistant.Options{}, nil).Apply(context.Background(), gw, request(), "agent/issue-42", plan)
	assert.Empty(t, applied)
	require.Len(t, skipped, 3)
	assert.Equal(t, "app/main.py", skipped[0].Path)
	assert.Contains(t, skipped[0].Reason, "unavailable")
	assert.Equal(t, "../escape.py", skipped[1].Path)
	assert.Equal(t, "app/empty.py", skipped[2].Path)
	assert.Equal(t, 0, gw.Called("PutFile"))
}

func TestEngine_Apply_MissingModifyTargetIsCreated(t *testing.T) {
	gw := newRepo()
	require.NoError(t, gw.CreateBranch(context.Background(), testRepo, "agent/issue-42", "base"))
	plan := &Plan{FilesToModify: []string{"app/routes.py"}}

	applied, skipped := NewEngine(healthAssistant(), assistant.Options{}, nil).Apply(context.Background(), gw, request(), "agent/issue-42", plan)
	assert.Equal(t, []string{"app/routes.py"}, applied)
	assert.Empty(t, skipped)
	require.Len(t, gw.Commits, 1)
	assert.Equal(t, "Create app/routes.py for issue #42 (iteration 1)", gw.Commits[0].Message)
}

func TestEngine_Apply_CreateOverExistingFile(t *testing.T) {
	gw := newRepo()
	require.NoError(t, gw.CreateBranch(context.Background(), testRepo, "agent/issue-42", "base"))
	plan := &Plan{FilesToCreate: []string{"app/main.py"}}

	applied, skipped := NewEngine(healthAssistant(), assistant.Options{}, nil).Apply(context.Background(), gw, request(), "agent/issue-42", plan)
	assert.Equal(t, []string{"app/main.py"}, applied)
	assert.Empty(t, skipped)
	assert.Equal(t, 2, gw.Called("PutFile"))
	assert.Equal(t, "def health():\n    return 'ok'", gw.Files["agent/issue-42"]["app/main.py"])
}

type maskingRedactor struct{ secret string }

func (r maskingRedactor) Redact(text string) (string, int) {
	n := strings.Count(text, r.secret)
	return strings.ReplaceAll(text, r.secret, "[REDACTED]"), n
}

func TestEngine_RedactsOutboundContent(t *testing.T) {
	gw := newRepo()
	ai := assistanttest.New().
		On(planPrompt, `{"summary": "use token ghp_abc", "files_to_create": ["config.py"]}`).
		On(createPrompt, "TOKEN = 'ghp_abc'")
	logger := logging.NewTestLogger()
	engine := NewEngine(ai, assistant.Options{}, logger.Logger, WithRedactor(maskingRedactor{"ghp_abc"}))

	_, err := engine.Run(context.Background(), gw, request())
	require.NoError(t, err)

	assert.Equal(t, "TOKEN = '[REDACTED]'", gw.Files["agent/issue-42"]["config.py"])
	assert.NotContains(t, gw.PullRequests[1].Body, "ghp_abc")
	logger.AssertLogged(t, zapcore.WarnLevel, "redacted secrets from file content")
}
