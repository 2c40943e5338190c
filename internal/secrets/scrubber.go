package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// RedactionString replaces every detected secret.
const RedactionString = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	Enabled       bool
	AllowlistPath string
}

// Scrubber detects and redacts secrets using gitleaks.
type Scrubber struct {
	enabled bool

	// detector is not safe for concurrent use.
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a Scrubber with the gitleaks default rules and the optional
// allowlist. A disabled scrubber returns text unchanged.
func New(cfg Config) (*Scrubber, error) {
	if !cfg.Enabled {
		return &Scrubber{}, nil
	}

	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	if err := allow.apply(&detector.Config); err != nil {
		return nil, err
	}

	return &Scrubber{enabled: true, detector: detector}, nil
}

// IsEnabled reports whether the scrubber redacts anything.
func (s *Scrubber) IsEnabled() bool {
	return s != nil && s.enabled
}

// Scrub returns text with every finding's secret replaced by
// RedactionString.
func (s *Scrubber) Scrub(text string) *Result {
	start := time.Now()
	res := &Result{Scrubbed: text, ByRule: map[string]int{}}
	if !s.IsEnabled() || text == "" {
		res.Duration = time.Since(start)
		return res
	}

	s.mu.Lock()
	found := s.detector.DetectString(text)
	s.mu.Unlock()

	values := make([]string, 0, len(found))
	for _, f := range found {
		res.Findings = append(res.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine + 1,
			StartColumn: f.StartColumn,
			EndColumn:   f.EndColumn,
		})
		res.ByRule[f.RuleID]++

		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret != "" {
			values = append(values, secret)
		}
	}

	// Longest first, so a secret containing another is replaced whole.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	scrubbed := text
	for _, v := range values {
		scrubbed = strings.ReplaceAll(scrubbed, v, RedactionString)
	}
	res.Scrubbed = scrubbed
	res.Duration = time.Since(start)
	return res
}

// Redact scrubs text and returns the clean text with the finding count.
func (s *Scrubber) Redact(text string) (string, int) {
	res := s.Scrub(text)
	return res.Scrubbed, len(res.Findings)
}
