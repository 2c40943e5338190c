package changeplan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlan(t *testing.T) {
	t.Run("embedded in prose", func(t *testing.T) {
		text := "Here is my analysis:\n```json\n" + `{
  "summary": "Add health endpoint",
  "files_to_modify": ["app/main.py", " app/main.py "],
  "files_to_create": ["app/health.py", ""],
  "requirements": ["GET /health returns 200"],
  "technical_approach": "Add a route",
  "dependencies": []
}` + "\n```\nLet me know."

		plan, err := ExtractPlan(text)
		require.NoError(t, err)
		assert.Equal(t, "Add health endpoint", plan.Summary)
		assert.Equal(t, []string{"app/main.py"}, plan.FilesToModify)
		assert.Equal(t, []string{"app/health.py"}, plan.FilesToCreate)
		assert.Equal(t, []string{"GET /health returns 200"}, plan.Requirements)
	})

	t.Run("missing fields are empty", func(t *testing.T) {
		plan, err := ExtractPlan(`{"summary": "only a summary"}`)
		require.NoError(t, err)
		assert.Empty(t, plan.FilesToModify)
		assert.Empty(t, plan.FilesToCreate)
	})

	tests := []struct {
		name   string
		text   string
		reason ExtractReason
	}{
		{"no braces", "I cannot help with that.", ReasonNoObject},
		{"empty", "", ReasonNoObject},
		{"broken object", `{"summary": "x",}`, ReasonInvalidJSON},
		{"greedy span over two objects", `{"a": 1} and {"b": 2}`, ReasonInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractPlan(tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNoPlan)

			var xerr *ExtractError
			require.True(t, errors.As(err, &xerr))
			assert.Equal(t, tt.reason, xerr.Reason)
		})
	}
}

func TestSafePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"app/main.py", true},
		{"README.md", true},
		{"./docs/../docs/a.md", true},
		{"", false},
		{".", false},
		{"/etc/passwd", false},
		{"../outside.txt", false},
		{"a/../../outside.txt", false},
		{".git/config", false},
		{".git", false},
		{"dir\\file.txt", false},
		{".github/workflows/ci.yml", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, SafePath(tt.path))
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"language fence", "```python\nprint('hi')\n```", "print('hi')"},
		{"bare fence", "```\nx = 1\n```", "x = 1"},
		{"no fence", "x = 1\n", "x = 1\n"},
		{"inner fences kept", "```md\n# T\n```go\ncode\n```\n```", "# T\n```go\ncode\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestPRTitle(t *testing.T) {
	assert.Equal(t, "Fix #42: Add health endpoint", PRTitle(42, "Add health endpoint", 0))
	assert.Equal(t, "Fix #42: Add health endpoint (Iteration 2)", PRTitle(42, "Add health endpoint", 2))
	assert.Equal(t, "agent/issue-42", BranchName(42))
}

func TestPRBody(t *testing.T) {
	req := Request{IssueNumber: 42, IssueTitle: "Add health endpoint", Iteration: 2, MaxIterations: 5, Feedback: "Handle HEAD requests"}
	plan := &Plan{
		Summary:           "Add a health route",
		FilesToModify:     []string{"app/main.py"},
		FilesToCreate:     []string{"app/health.py"},
		Requirements:      []string{"Return 200"},
		TechnicalApproach: "Register a new route",
	}

	body := PRBody(req, plan)
	assert.True(t, strings.HasPrefix(body, "## Fixes #42\n\n**Issue Title:** Add health endpoint\n\n**Iteration:** 2/5\n\n**Summary:** Add a health route\n\n### Changes Made:\n"))
	assert.Contains(t, body, "\n**New Files:**\n- `app/health.py`\n")
	assert.Contains(t, body, "\n**Modified Files:**\n- `app/main.py`\n")
	assert.Contains(t, body, "\n**Requirements Implemented:**\n- Return 200\n")
	assert.Contains(t, body, "\n**Technical Approach:**\nRegister a new route\n")
	assert.Contains(t, body, "\n**Addressed Feedback:**\nHandle HEAD requests\n")
	assert.True(t, strings.HasSuffix(body, "- [ ] Functionality works as expected\n"))

	t.Run("sparse plan", func(t *testing.T) {
		body := PRBody(Request{IssueNumber: 1, Iteration: 1, MaxIterations: 5}, &Plan{})
		assert.Contains(t, body, "**Summary:** No summary available")
		assert.NotContains(t, body, "New Files")
		assert.NotContains(t, body, "Addressed Feedback")
	})
}
