package changeplan

import (
	"fmt"
	"strings"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
)

const planSystemPrompt = `You are an expert software developer analyzing GitHub issues.
Analyze the issue and provide a structured response for implementation.

Consider:
1. What needs to be implemented
2. Files to create or modify
3. Technical approach
4. Dependencies needed

If this is a follow-up iteration, also consider the previous feedback.

Respond in JSON format:
{
    "summary": "Brief description",
    "files_to_modify": ["list", "of", "files"],
    "files_to_create": ["list", "of", "new", "files"],
    "requirements": ["list", "of", "requirements"],
    "technical_approach": "Implementation approach",
    "dependencies": ["list", "of", "dependencies"]
}`

// maxLayoutEntries bounds the repository listing included in the plan prompt.
const maxLayoutEntries = 200

func planMessages(req Request, layout []string) []assistant.Message {
	body := req.IssueBody
	if strings.TrimSpace(body) == "" {
		body = "No description provided"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n\nDescription:\n%s\n\nIteration: %d", req.IssueNumber, req.IssueTitle, body, req.Iteration)
	if len(layout) > 0 {
		b.WriteString("\n\nRepository files:\n")
		for i, p := range layout {
			if i == maxLayoutEntries {
				fmt.Fprintf(&b, "- ... (%d more)\n", len(layout)-i)
				break
			}
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\n\nPrevious review feedback:\n%s", req.Feedback)
	}

	return []assistant.Message{
		assistant.System(planSystemPrompt),
		assistant.User(b.String()),
	}
}

func modifyMessages(req Request, plan *Plan, path, current string) []assistant.Message {
	system := fmt.Sprintf(`You are an expert software developer modifying code files.

Modify the existing file to implement the required functionality.

Requirements:
- Summary: %s
- Technical approach: %s
- Requirements: %s

Rules:
1. Preserve existing functionality unless it conflicts
2. Follow best practices and coding standards
3. Add proper error handling and documentation
4. Include type hints where appropriate

Return only the complete modified file content.`,
		plan.Summary, plan.TechnicalApproach, strings.Join(plan.Requirements, ", "))

	user := fmt.Sprintf("File to modify: %s\n\nCurrent content:\n```\n%s\n```\n\nPlease provide the modified file content.", path, current)
	return []assistant.Message{assistant.System(system), assistant.User(withFeedback(user, req.Feedback))}
}

func createMessages(req Request, plan *Plan, path string) []assistant.Message {
	system := fmt.Sprintf(`You are an expert software developer creating new code files.

Create a new file that implements the required functionality.

Requirements:
- Summary: %s
- Technical approach: %s
- Requirements: %s
- Dependencies: %s

Rules:
1. Follow best practices and coding standards
2. Add comprehensive documentation
3. Include proper error handling
4. Add type hints and imports

Return only the complete file content.`,
		plan.Summary, plan.TechnicalApproach, strings.Join(plan.Requirements, ", "), strings.Join(plan.Dependencies, ", "))

	user := fmt.Sprintf("Create new file: %s\n\nPlease provide the complete file content.", path)
	return []assistant.Message{assistant.System(system), assistant.User(withFeedback(user, req.Feedback))}
}

func withFeedback(prompt, feedback string) string {
	if feedback == "" {
		return prompt
	}
	return prompt + "\n\nConsider this feedback from previous review:\n" + feedback
}
