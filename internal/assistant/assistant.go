// Package assistant is the gateway to the text-generation service.
//
// A Gateway takes an ordered conversation and returns one generated turn.
// Three providers are available, all speaking the OpenAI-compatible chat
// API: langchaingo (default), go-openai and eino. Gateways never retry; a
// failed call surfaces ErrUnavailable and an empty answer ErrEmptyResponse,
// and callers abort the dependent step on either.
package assistant

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable means the service could not be reached or refused the
	// request (network failure, bad credentials, quota).
	ErrUnavailable = errors.New("assistant unavailable")

	// ErrEmptyResponse means the service answered without usable text.
	ErrEmptyResponse = errors.New("assistant returned an empty response")
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// System builds a system turn.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user turn.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Options are per-call sampling settings.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Gateway generates the next turn of a conversation.
type Gateway interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// checkText turns a blank answer into ErrEmptyResponse.
func checkText(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
