package assistant

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangChain generates through a langchaingo model.
type LangChain struct {
	llm llms.Model
}

// NewLangChain builds an OpenAI-compatible langchaingo client.
func NewLangChain(baseURL, model, apiKey string) (*LangChain, error) {
	if apiKey == "" {
		// langchaingo refuses an empty token; local gateways ignore it.
		apiKey = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating langchaingo client: %w", err)
	}
	return &LangChain{llm: llm}, nil
}

// NewLangChainWithModel wraps an existing langchaingo model.
func NewLangChainWithModel(llm llms.Model) *LangChain {
	return &LangChain{llm: llm}
}

func (l *LangChain) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(langChainRole(m.Role), m.Content))
	}

	resp, err := l.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(opts.MaxTokens),
		llms.WithTemperature(opts.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return checkText(resp.Choices[0].Content)
}

func langChainRole(r Role) schema.ChatMessageType {
	switch r {
	case RoleSystem:
		return schema.ChatMessageTypeSystem
	case RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}
