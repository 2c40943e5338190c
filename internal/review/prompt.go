package review

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/githost"
)

const systemPrompt = `You are a senior software engineer performing a code review of a pull request
that was written to resolve a GitHub issue.

Evaluate the change on:
1. Code quality: correctness, readability, structure and error handling
2. Requirements compliance: whether the change fully resolves the issue
3. Security and best practices: unsafe input handling, leaked secrets, risky dependencies

Score each dimension and the change overall from 0 to 100.
Choose exactly one recommendation:
- "approve": the change is correct and complete
- "approve_with_suggestions": the change is acceptable, with minor optional improvements
- "request_changes": the change is incomplete, incorrect or unsafe

Respond in JSON format:
{
    "code_quality": {"score": 0, "summary": "...", "issues": ["..."]},
    "requirements_compliance": {"score": 0, "summary": "...", "issues": ["..."]},
    "security_analysis": {"score": 0, "summary": "...", "issues": ["..."]},
    "overall_assessment": {
        "score": 0,
        "status": "Short headline",
        "recommendation": "approve | approve_with_suggestions | request_changes",
        "summary": "What is good and what must change"
    },
    "suggestions": ["..."]
}`

// Patch budgets, in bytes.
const (
	maxFilePatch  = 6000
	maxTotalPatch = 40000
)

func messages(in Input) []assistant.Message {
	var b strings.Builder

	body := in.IssueBody
	if strings.TrimSpace(body) == "" {
		body = "No description provided"
	}
	fmt.Fprintf(&b, "Issue #%d: %s\n\nDescription:\n%s\n\n", in.IssueNumber, in.IssueTitle, body)
	fmt.Fprintf(&b, "Pull request #%d: %s\n", in.PR.Number, in.PR.Title)
	fmt.Fprintf(&b, "Iteration: %d\n", in.Iteration)
	fmt.Fprintf(&b, "CI conclusion: %s\n\n", orDefault(in.CIConclusion, "unknown"))

	fmt.Fprintf(&b, "Changed files (%d):\n", len(in.Files))
	budget := maxTotalPatch
	for _, f := range in.Files {
		fmt.Fprintf(&b, "\n### %s (%s, +%d -%d, %d changes)\n", f.Filename, f.Status, f.Additions, f.Deletions, f.Changes)
		if f.Patch == "" {
			b.WriteString("(no textual diff)\n")
			continue
		}
		if budget <= 0 {
			b.WriteString("(diff omitted: review size limit reached)\n")
			continue
		}
		limit := maxFilePatch
		if budget < limit {
			limit = budget
		}
		patch := truncatePatch(f.Patch, limit)
		budget -= len(patch)
		fmt.Fprintf(&b, "```diff\n%s\n```\n", strings.TrimRight(patch, "\n"))
	}

	return []assistant.Message{assistant.System(systemPrompt), assistant.User(b.String())}
}

// truncatePatch keeps whole hunks of patch up to limit bytes. Patches that do
// not parse as hunks are cut at a rune boundary.
func truncatePatch(patch string, limit int) string {
	if len(patch) <= limit {
		return patch
	}

	hunks, err := diff.ParseHunks([]byte(patch))
	if err != nil || len(hunks) == 0 {
		return cutRunes(patch, limit) + "\n... (diff truncated)"
	}

	var kept []*diff.Hunk
	size := 0
	for _, h := range hunks {
		n := len(h.Body) + 64 // header allowance
		if size+n > limit && len(kept) > 0 {
			break
		}
		kept = append(kept, h)
		size += n
	}
	if len(kept) == 1 && size > limit {
		kept[0] = trimHunk(kept[0], limit)
	}

	out, err := diff.PrintHunks(kept)
	if err != nil {
		return cutRunes(patch, limit) + "\n... (diff truncated)"
	}
	text := string(out)
	if omitted := len(hunks) - len(kept); omitted > 0 {
		text += fmt.Sprintf("\n... (%d more hunks omitted)", omitted)
	}
	return text
}

// trimHunk shortens a single oversized hunk to whole lines within limit.
func trimHunk(h *diff.Hunk, limit int) *diff.Hunk {
	cp := *h
	body := cutRunes(string(h.Body), limit)
	if i := strings.LastIndexByte(body, '\n'); i > 0 {
		body = body[:i+1]
	}
	cp.Body = []byte(body + " ... (hunk truncated)\n")
	return &cp
}

func cutRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// lineStats counts added and removed lines across a patch's hunks.
func lineStats(patch string) (added, removed int) {
	hunks, err := diff.ParseHunks([]byte(patch))
	if err != nil {
		return 0, 0
	}
	for _, h := range hunks {
		for _, line := range strings.Split(string(h.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				added++
			case strings.HasPrefix(line, "-"):
				removed++
			}
		}
	}
	return added, removed
}

// diffSize totals the changed lines of files, preferring the counts reported
// by the host and falling back to the patch text.
func diffSize(files []githost.ChangedFile) (added, removed int) {
	for _, f := range files {
		a, r := f.Additions, f.Deletions
		if a == 0 && r == 0 && f.Patch != "" {
			a, r = lineStats(f.Patch)
		}
		added += a
		removed += r
	}
	return added, removed
}
