// Package assistanttest provides a scripted assistant.Gateway for tests.
package assistanttest

import (
	"context"
	"strings"
	"sync"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
)

// Rule answers a conversation whose system prompt contains Match.
type Rule struct {
	Match string
	Reply string
	Err   error
}

// Scripted answers each call with the first matching rule, in order. A
// conversation that matches nothing gets Fallback.
type Scripted struct {
	mu       sync.Mutex
	rules    []Rule
	Fallback string
	Calls    [][]assistant.Message
}

// New returns a gateway answering with rules.
func New(rules ...Rule) *Scripted {
	return &Scripted{rules: rules}
}

// On appends a rule.
func (s *Scripted) On(match, reply string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Match: match, Reply: reply})
	return s
}

// OnError appends a failing rule.
func (s *Scripted) OnError(match string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Match: match, Err: err})
	return s
}

// Replace drops all rules and installs rules.
func (s *Scripted) Replace(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Prompts returns the user prompt of each call, in order.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.Calls))
	for _, msgs := range s.Calls {
		for _, m := range msgs {
			if m.Role == assistant.RoleUser {
				out = append(out, m.Content)
			}
		}
	}
	return out
}

func (s *Scripted) Complete(ctx context.Context, messages []assistant.Message, _ assistant.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, messages)

	var system string
	for _, m := range messages {
		if m.Role == assistant.RoleSystem {
			system += m.Content
		}
	}
	for _, r := range s.rules {
		if strings.Contains(system, r.Match) {
			return r.Reply, r.Err
		}
	}
	return s.Fallback, nil
}

var _ assistant.Gateway = (*Scripted)(nil)
