package review

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OneBeatTrue/code-agent/internal/githost"
)

// Recommendation is the reviewer's verdict.
type Recommendation string

const (
	Approve                Recommendation = "approve"
	ApproveWithSuggestions Recommendation = "approve_with_suggestions"
	RequestChanges         Recommendation = "request_changes"
)

// Valid reports whether r is a known verdict.
func (r Recommendation) Valid() bool {
	switch r {
	case Approve, ApproveWithSuggestions, RequestChanges:
		return true
	}
	return false
}

// Approves reports whether r accepts the change, with or without suggestions.
func (r Recommendation) Approves() bool {
	return r == Approve || r == ApproveWithSuggestions
}

// CISuccess is the CI conclusion that counts as passing.
const CISuccess = "success"

// Dimension is one scored aspect of a review.
type Dimension struct {
	Score   float64  `json:"score"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// Overall is the reviewer's combined verdict.
type Overall struct {
	Score          float64        `json:"score"`
	Status         string         `json:"status"`
	Recommendation Recommendation `json:"recommendation"`
	Summary        string         `json:"summary"`
}

// Assessment is a structured, scored review of a pull request.
type Assessment struct {
	CodeQuality            Dimension `json:"code_quality"`
	RequirementsCompliance Dimension `json:"requirements_compliance"`
	SecurityAnalysis       Dimension `json:"security_analysis"`
	Overall                Overall   `json:"overall_assessment"`
	Suggestions            []string  `json:"suggestions,omitempty"`
}

// ciDiscount scales the score of a review whose CI run did not pass.
const ciDiscount = 0.8

// ApplyCIConclusion discounts a passing-grade score when CI did not succeed
// and notes the failure in the summary. The recommendation is not touched.
func (a *Assessment) ApplyCIConclusion(conclusion string) {
	if conclusion == CISuccess || a.Overall.Score <= 50 {
		return
	}
	a.Overall.Score *= ciDiscount
	a.Overall.Summary += " CI failed with status: " + conclusion
}

// Event maps the verdict and CI conclusion to a formal review action.
// Approval requires a passing CI run.
func (a *Assessment) Event(ciConclusion string) githost.ReviewEvent {
	switch {
	case a.Overall.Recommendation == Approve && ciConclusion == CISuccess:
		return githost.ReviewApprove
	case a.Overall.Recommendation == RequestChanges:
		return githost.ReviewRequestChanges
	default:
		return githost.ReviewComment
	}
}

// Feedback is the text carried into the next code step.
func (a *Assessment) Feedback() string {
	var b strings.Builder
	b.WriteString(a.Overall.Summary)

	var issues []string
	for _, d := range []Dimension{a.CodeQuality, a.RequirementsCompliance, a.SecurityAnalysis} {
		issues = append(issues, d.Issues...)
	}
	issues = append(issues, a.Suggestions...)
	if len(issues) > 0 {
		b.WriteString("\n\nItems to address:\n")
		for _, is := range issues {
			fmt.Fprintf(&b, "- %s\n", is)
		}
	}
	return strings.TrimSpace(b.String())
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// FormatScore renders a score without trailing zeros.
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// FormatComment renders the review comment posted on the pull request.
func FormatComment(a *Assessment, iteration int, ciConclusion, agentName string) string {
	mark := "❌"
	if ciConclusion == CISuccess {
		mark = "✅"
	}
	recommendation := strings.ToUpper(orDefault(string(a.Overall.Recommendation), "unknown"))

	var b strings.Builder
	fmt.Fprintf(&b, "## 🤖 AI Code Review - Iteration %d\n\n", iteration)
	fmt.Fprintf(&b, "### %s\n\n", orDefault(a.Overall.Status, "Review Completed"))
	fmt.Fprintf(&b, "**Overall Score:** %s/100\n\n", FormatScore(a.Overall.Score))
	fmt.Fprintf(&b, "**CI Status:** %s (%s)\n\n", ciConclusion, mark)
	b.WriteString("### 📊 Analysis:\n")
	fmt.Fprintf(&b, "- **Code Quality:** %s\n", orDefault(a.CodeQuality.Summary, "N/A"))
	fmt.Fprintf(&b, "- **Requirements Compliance:** %s\n", orDefault(a.RequirementsCompliance.Summary, "N/A"))
	fmt.Fprintf(&b, "- **Security & Best Practices:** %s\n\n", orDefault(a.SecurityAnalysis.Summary, "N/A"))
	fmt.Fprintf(&b, "### 💡 Recommendation: **%s**\n\n", recommendation)
	fmt.Fprintf(&b, "%s\n\n", orDefault(a.Overall.Summary, "No summary available"))
	b.WriteString("---\n")
	fmt.Fprintf(&b, "*This review was generated automatically by %s*", orDefault(agentName, "AI Coding Agent"))
	return b.String()
}
