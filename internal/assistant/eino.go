package assistant

import (
	"context"
	"fmt"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Eino generates through an eino chat model.
type Eino struct {
	chat model.BaseChatModel
}

// NewEino builds an eino OpenAI-compatible chat model.
func NewEino(ctx context.Context, baseURL, modelName, apiKey string, timeout time.Duration) (*Eino, error) {
	chat, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   modelName,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating eino chat model: %w", err)
	}
	return &Eino{chat: chat}, nil
}

// NewEinoWithModel wraps an existing eino chat model.
func NewEinoWithModel(chat model.BaseChatModel) *Eino {
	return &Eino{chat: chat}
}

func (e *Eino) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	input := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			input = append(input, schema.SystemMessage(m.Content))
		case RoleAssistant:
			input = append(input, schema.AssistantMessage(m.Content, nil))
		default:
			input = append(input, schema.UserMessage(m.Content))
		}
	}

	out, err := e.chat.Generate(ctx, input,
		model.WithMaxTokens(opts.MaxTokens),
		model.WithTemperature(float32(opts.Temperature)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if out == nil {
		return "", ErrEmptyResponse
	}
	return checkText(out.Content)
}
