package assistant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// New builds the configured provider wrapped with a per-call timeout and
// call logging.
func New(ctx context.Context, cfg config.AssistantConfig, logger *logging.Logger) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)
	switch cfg.Provider {
	case "", "langchaingo":
		gw, err = NewLangChain(cfg.BaseURL, cfg.Model, cfg.APIKey.Value())
	case "openai":
		gw = NewOpenAI(cfg.BaseURL, cfg.Model, cfg.APIKey.Value())
	case "eino":
		gw, err = NewEino(ctx, cfg.BaseURL, cfg.Model, cfg.APIKey.Value(), cfg.Timeout.Duration())
	default:
		return nil, fmt.Errorf("unknown assistant provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithObservation(gw, cfg.Provider, cfg.Model, cfg.Timeout.Duration(), logger), nil
}

// observed bounds each call and logs its outcome.
type observed struct {
	next     Gateway
	provider string
	model    string
	timeout  time.Duration
	logger   *logging.Logger
}

// WithObservation wraps gw. A zero timeout leaves the caller's deadline alone.
func WithObservation(gw Gateway, provider, model string, timeout time.Duration, logger *logging.Logger) Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &observed{next: gw, provider: provider, model: model, timeout: timeout, logger: logger.Named("assistant")}
}

func (o *observed) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := o.next.Complete(ctx, messages, opts)
	fields := []zap.Field{
		zap.String("provider", o.provider),
		zap.String("model", o.model),
		zap.Int("messages", len(messages)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		o.logger.Warn(ctx, "assistant call failed", append(fields, zap.Error(err))...)
		return "", err
	}
	o.logger.Debug(ctx, "assistant call completed", append(fields, zap.Int("response_chars", len(text)))...)
	return text, nil
}
