package changeplan

import (
	"fmt"
	"strings"
)

// BranchName is the stable working branch for an issue.
func BranchName(issue int) string {
	return fmt.Sprintf("agent/issue-%d", issue)
}

// PRTitle is the title for a new pull request, or for an existing one when
// iteration is positive.
func PRTitle(issue int, title string, iteration int) string {
	if iteration > 0 {
		return fmt.Sprintf("Fix #%d: %s (Iteration %d)", issue, title, iteration)
	}
	return fmt.Sprintf("Fix #%d: %s", issue, title)
}

// PRBody renders the pull request description for a plan.
func PRBody(req Request, plan *Plan) string {
	summary := plan.Summary
	if summary == "" {
		summary = "No summary available"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Fixes #%d\n\n", req.IssueNumber)
	fmt.Fprintf(&b, "**Issue Title:** %s\n\n", req.IssueTitle)
	fmt.Fprintf(&b, "**Iteration:** %d/%d\n\n", req.Iteration, req.MaxIterations)
	fmt.Fprintf(&b, "**Summary:** %s\n\n", summary)
	b.WriteString("### Changes Made:\n")

	if len(plan.FilesToCreate) > 0 {
		b.WriteString("\n**New Files:**\n")
		for _, p := range plan.FilesToCreate {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	if len(plan.FilesToModify) > 0 {
		b.WriteString("\n**Modified Files:**\n")
		for _, p := range plan.FilesToModify {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	if len(plan.Requirements) > 0 {
		b.WriteString("\n**Requirements Implemented:**\n")
		for _, r := range plan.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if plan.TechnicalApproach != "" {
		fmt.Fprintf(&b, "\n**Technical Approach:**\n%s\n", plan.TechnicalApproach)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\n**Addressed Feedback:**\n%s\n", req.Feedback)
	}

	b.WriteString("\n### Testing\n")
	b.WriteString("- [ ] Code follows project standards\n")
	b.WriteString("- [ ] All tests pass\n")
	b.WriteString("- [ ] No linting errors\n")
	b.WriteString("- [ ] Functionality works as expected\n")
	return b.String()
}

func commitMessage(verb, path string, issue, iteration int) string {
	return fmt.Sprintf("%s %s for issue #%d (iteration %d)", verb, path, issue, iteration)
}
