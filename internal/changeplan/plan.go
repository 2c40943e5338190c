package changeplan

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrNoPlan is wrapped by every plan extraction failure.
var ErrNoPlan = errors.New("no change plan in assistant response")

// Plan is the structured change plan produced by the assistant.
type Plan struct {
	Summary           string   `json:"summary"`
	FilesToModify     []string `json:"files_to_modify"`
	FilesToCreate     []string `json:"files_to_create"`
	Requirements      []string `json:"requirements"`
	TechnicalApproach string   `json:"technical_approach"`
	Dependencies      []string `json:"dependencies"`
}

// ExtractReason says why no plan could be extracted.
type ExtractReason string

const (
	ReasonNoObject    ExtractReason = "no JSON object"
	ReasonInvalidJSON ExtractReason = "invalid JSON"
)

// ExtractError is a failed plan extraction.
type ExtractError struct {
	Reason ExtractReason
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract plan: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extract plan: %s", e.Reason)
}

func (e *ExtractError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNoPlan, e.Err}
	}
	return []error{ErrNoPlan}
}

// jsonObject matches from the first '{' to the last '}', across lines.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractPlan parses the plan object embedded anywhere in text.
func ExtractPlan(text string) (*Plan, error) {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return nil, &ExtractError{Reason: ReasonNoObject}
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &ExtractError{Reason: ReasonInvalidJSON, Err: err}
	}
	p.FilesToModify = cleanPaths(p.FilesToModify)
	p.FilesToCreate = cleanPaths(p.FilesToCreate)
	return &p, nil
}

// cleanPaths trims and de-duplicates paths, keeping their order.
func cleanPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// SafePath reports whether p is a relative path that stays inside the
// repository.
func SafePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return !strings.HasPrefix(clean, ".git/") && clean != ".git"
}

var (
	leadingFence  = regexp.MustCompile("^```[a-zA-Z]*\n")
	trailingFence = regexp.MustCompile("\n```$")
)

// StripFences removes one leading fence line and one trailing fence line.
func StripFences(content string) string {
	content = leadingFence.ReplaceAllString(content, "")
	return trailingFence.ReplaceAllString(content, "")
}
