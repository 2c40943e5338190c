// Package review scores a pull request against the issue it resolves.
//
// The Engine asks the assistant for a structured assessment of the diff and
// normalizes it. Combining the verdict with the CI outcome to decide what
// happens next is left to the caller; the engine only discounts the score
// of a change whose CI run did not pass.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// ErrNoAssessment is returned when the assistant's reply holds no usable
// assessment.
var ErrNoAssessment = errors.New("no review assessment in assistant response")

// Input is everything the reviewer sees.
type Input struct {
	Repo         string
	IssueNumber  int
	IssueTitle   string
	IssueBody    string
	Iteration    int
	PR           *githost.PullRequest
	Files        []githost.ChangedFile
	CIConclusion string
}

// Engine produces assessments.
type Engine struct {
	assistant assistant.Gateway
	opts      assistant.Options
	logger    *logging.Logger
}

// NewEngine creates a review engine generating with a.
func NewEngine(a assistant.Gateway, opts assistant.Options, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{assistant: a, opts: opts, logger: logger.Named("review")}
}

// Review assesses in.PR. The returned assessment already carries the CI
// discount for in.CIConclusion.
func (e *Engine) Review(ctx context.Context, in Input) (*Assessment, error) {
	if in.PR == nil {
		return nil, errors.New("review: pull request is required")
	}
	added, removed := diffSize(in.Files)
	e.logger.Info(ctx, "reviewing pull request",
		zap.Int("pr", in.PR.Number),
		zap.Int("files", len(in.Files)),
		zap.Int("lines_added", added),
		zap.Int("lines_removed", removed),
	)

	text, err := e.assistant.Complete(ctx, messages(in), e.opts)
	if err != nil {
		return nil, fmt.Errorf("generate review: %w", err)
	}
	a, err := parseAssessment(text)
	if err != nil {
		e.logger.Warn(ctx, "assistant returned no usable review", zap.Error(err), zap.Int("response_chars", len(text)))
		return nil, err
	}

	raw := a.Overall.Score
	a.ApplyCIConclusion(in.CIConclusion)
	e.logger.Info(ctx, "review complete",
		zap.Float64("raw_score", raw),
		zap.Float64("score", a.Overall.Score),
		zap.String("recommendation", string(a.Overall.Recommendation)),
	)
	return a, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseAssessment extracts and normalizes the assessment in text. Scores are
// clamped to 0..100. An unknown recommendation is an error.
func parseAssessment(text string) (*Assessment, error) {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return nil, ErrNoAssessment
	}
	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAssessment, err)
	}

	a.Overall.Recommendation = Recommendation(strings.ToLower(strings.TrimSpace(string(a.Overall.Recommendation))))
	if !a.Overall.Recommendation.Valid() {
		return nil, fmt.Errorf("%w: unknown recommendation %q", ErrNoAssessment, a.Overall.Recommendation)
	}
	a.Overall.Score = clamp(a.Overall.Score)
	a.CodeQuality.Score = clamp(a.CodeQuality.Score)
	a.RequirementsCompliance.Score = clamp(a.RequirementsCompliance.Score)
	a.SecurityAnalysis.Score = clamp(a.SecurityAnalysis.Score)
	return &a, nil
}

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
