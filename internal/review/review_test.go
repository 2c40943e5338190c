package review

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/assistant/assistanttest"
	"github.com/OneBeatTrue/code-agent/internal/githost"
)

const reviewReply = `Here is my review:
{
  "code_quality": {"score": 80, "summary": "Clean", "issues": ["Missing docstring"]},
  "requirements_compliance": {"score": 90, "summary": "Meets the issue"},
  "security_analysis": {"score": 95, "summary": "No concerns"},
  "overall_assessment": {"score": 85, "status": "Looks good", "recommendation": "Approve", "summary": "Solid change."},
  "suggestions": ["Add a test"]
}`

func input(ci string) Input {
	return Input{
		Repo:        "acme/shop",
		IssueNumber: 42,
		IssueTitle:  "Add health endpoint",
		Iteration:   1,
		PR:          &githost.PullRequest{Number: 7, Title: "Fix #42: Add health endpoint"},
		Files: []githost.ChangedFile{
			{Filename: "app/health.py", Status: "added", Additions: 2, Changes: 2, Patch: "@@ -0,0 +1,2 @@\n+def health():\n+    return 'ok'"},
			{Filename: "logo.png", Status: "added"},
		},
		CIConclusion: ci,
	}
}

func TestEngine_Review(t *testing.T) {
	ai := assistanttest.New().On("performing a code review", reviewReply)

	a, err := NewEngine(ai, assistant.Options{}, nil).Review(context.Background(), input("success"))
	require.NoError(t, err)
	assert.Equal(t, Approve, a.Overall.Recommendation)
	assert.InDelta(t, 85, a.Overall.Score, 0.001)
	assert.Equal(t, "Solid change.", a.Overall.Summary)
	assert.Equal(t, []string{"Missing docstring"}, a.CodeQuality.Issues)

	prompt := ai.Prompts()[0]
	assert.Contains(t, prompt, "Issue #42: Add health endpoint\n\nDescription:\nNo description provided")
	assert.Contains(t, prompt, "### app/health.py (added, +2 -0, 2 changes)")
	assert.Contains(t, prompt, "+def health():")
	assert.Contains(t, prompt, "### logo.png (added, +0 -0, 0 changes)\n(no textual diff)")
	assert.Contains(t, prompt, "CI conclusion: success")
}

func TestEngine_Review_CIDiscount(t *testing.T) {
	ai := assistanttest.New().On("performing a code review", reviewReply)

	a, err := NewEngine(ai, assistant.Options{}, nil).Review(context.Background(), input("failure"))
	require.NoError(t, err)
	assert.InDelta(t, 68, a.Overall.Score, 0.001)
	assert.Equal(t, "Solid change. CI failed with status: failure", a.Overall.Summary)
	assert.Equal(t, Approve, a.Overall.Recommendation, "recommendation is left as generated")
}

func TestEngine_Review_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no object", "Looks fine to me."},
		{"bad json", `{"overall_assessment": {"score": }}`},
		{"unknown recommendation", `{"overall_assessment": {"score": 70, "recommendation": "merge"}}`},
		{"missing recommendation", `{"overall_assessment": {"score": 70}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := assistanttest.New().On("performing a code review", tt.reply)
			_, err := NewEngine(ai, assistant.Options{}, nil).Review(context.Background(), input("success"))
			assert.ErrorIs(t, err, ErrNoAssessment)
		})
	}

	t.Run("assistant down", func(t *testing.T) {
		ai := assistanttest.New().OnError("performing a code review", assistant.ErrUnavailable)
		_, err := NewEngine(ai, assistant.Options{}, nil).Review(context.Background(), input("success"))
		assert.ErrorIs(t, err, assistant.ErrUnavailable)
	})

	t.Run("no pull request", func(t *testing.T) {
		in := input("success")
		in.PR = nil
		_, err := NewEngine(assistanttest.New(), assistant.Options{}, nil).Review(context.Background(), in)
		assert.Error(t, err)
	})
}

func TestParseAssessment_ClampsScores(t *testing.T) {
	a, err := parseAssessment(`{"code_quality": {"score": -5}, "overall_assessment": {"score": 140, "recommendation": "request_changes"}}`)
	require.NoError(t, err)
	assert.Equal(t, float64(100), a.Overall.Score)
	assert.Equal(t, float64(0), a.CodeQuality.Score)
}

func TestApplyCIConclusion(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		conclusion string
		want       float64
		annotated  bool
	}{
		{"success untouched", 90, "success", 90, false},
		{"failure discounted", 90, "failure", 72, true},
		{"low score untouched", 50, "failure", 50, false},
		{"just above threshold", 51, "timed_out", 40.8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Assessment{Overall: Overall{Score: tt.score, Summary: "S.", Recommendation: RequestChanges}}
			a.ApplyCIConclusion(tt.conclusion)
			assert.InDelta(t, tt.want, a.Overall.Score, 0.0001)
			assert.Equal(t, tt.annotated, strings.Contains(a.Overall.Summary, "CI failed with status: "+tt.conclusion))
			assert.Equal(t, RequestChanges, a.Overall.Recommendation)
		})
	}
}

func TestAssessment_Event(t *testing.T) {
	tests := []struct {
		rec  Recommendation
		ci   string
		want githost.ReviewEvent
	}{
		{Approve, "success", githost.ReviewApprove},
		{Approve, "failure", githost.ReviewComment},
		{ApproveWithSuggestions, "success", githost.ReviewComment},
		{RequestChanges, "success", githost.ReviewRequestChanges},
		{RequestChanges, "failure", githost.ReviewRequestChanges},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.rec, tt.ci), func(t *testing.T) {
			a := &Assessment{Overall: Overall{Recommendation: tt.rec}}
			assert.Equal(t, tt.want, a.Event(tt.ci))
		})
	}
}

func TestAssessment_Feedback(t *testing.T) {
	a := &Assessment{
		CodeQuality: Dimension{Issues: []string{"Handle empty input"}},
		Overall:     Overall{Summary: "Close, but incomplete."},
		Suggestions: []string{"Add tests"},
	}
	assert.Equal(t, "Close, but incomplete.\n\nItems to address:\n- Handle empty input\n- Add tests", a.Feedback())

	assert.Equal(t, "Only summary.", (&Assessment{Overall: Overall{Summary: "Only summary."}}).Feedback())
}

func TestFormatComment(t *testing.T) {
	a := &Assessment{
		CodeQuality:            Dimension{Summary: "Clean"},
		RequirementsCompliance: Dimension{Summary: "Complete"},
		Overall:                Overall{Score: 68, Status: "Needs work", Recommendation: RequestChanges, Summary: "Fix tests."},
	}

	want := "## 🤖 AI Code Review - Iteration 2\n\n" +
		"### Needs work\n\n" +
		"**Overall Score:** 68/100\n\n" +
		"**CI Status:** failure (❌)\n\n" +
		"### 📊 Analysis:\n" +
		"- **Code Quality:** Clean\n" +
		"- **Requirements Compliance:** Complete\n" +
		"- **Security & Best Practices:** N/A\n\n" +
		"### 💡 Recommendation: **REQUEST_CHANGES**\n\n" +
		"Fix tests.\n\n" +
		"---\n" +
		"*This review was generated automatically by AI Reviewer Agent*"
	assert.Equal(t, want, FormatComment(a, 2, "failure", "AI Reviewer Agent"))

	t.Run("defaults", func(t *testing.T) {
		out := FormatComment(&Assessment{}, 1, "success", "")
		assert.Contains(t, out, "### Review Completed")
		assert.Contains(t, out, "**CI Status:** success (✅)")
		assert.Contains(t, out, "**UNKNOWN**")
		assert.Contains(t, out, "No summary available")
		assert.Contains(t, out, "by AI Coding Agent*")
	})
}

func TestTruncatePatch(t *testing.T) {
	var hunks []string
	for i := 0; i < 20; i++ {
		hunks = append(hunks, fmt.Sprintf("@@ -%d,1 +%d,1 @@\n-old line %d\n+new line %d with some padding to grow it\n", i*10+1, i*10+1, i, i))
	}
	patch := strings.Join(hunks, "")

	assert.Equal(t, patch, truncatePatch(patch, len(patch)))

	out := truncatePatch(patch, 400)
	assert.Contains(t, out, "-old line 0\n+new line 0 ")
	assert.Contains(t, out, "more hunks omitted")
	assert.NotContains(t, out, "new line 19")

	t.Run("unparsable", func(t *testing.T) {
		out := truncatePatch(strings.Repeat("é", 100), 51)
		assert.True(t, strings.HasSuffix(out, "(diff truncated)"))
		assert.True(t, strings.HasPrefix(out, strings.Repeat("é", 25)+"\n"))
	})

	t.Run("single oversized hunk", func(t *testing.T) {
		big := "@@ -1,0 +1,200 @@\n" + strings.Repeat("+line\n", 200)
		out := truncatePatch(big, 300)
		assert.Contains(t, out, "(hunk truncated)")
		assert.Less(t, len(out), 400)
	})
}

func TestDiffSize(t *testing.T) {
	added, removed := diffSize([]githost.ChangedFile{
		{Additions: 3, Deletions: 1},
		{Patch: "@@ -1,2 +1,3 @@\n-a\n-b\n+c\n+d\n+e"},
	})
	assert.Equal(t, 6, added)
	assert.Equal(t, 3, removed)
}
