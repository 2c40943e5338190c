package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestFromSettings(t *testing.T) {
	tests := []struct {
		name      string
		settings  config.LoggingConfig
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"defaults", config.LoggingConfig{}, zapcore.InfoLevel, false},
		{"debug console", config.LoggingConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel, false},
		{"trace", config.LoggingConfig{Level: "trace"}, TraceLevel, false},
		{"bad level", config.LoggingConfig{Level: "loud"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromSettings(tt.settings, "cycle-worker")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, cfg.Level)
			assert.Equal(t, "cycle-worker", cfg.Fields["service"])
		})
	}
}

func TestLogger_CycleFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithCycle(context.Background(), Cycle{Repo: "acme/api", Issue: 42})
	ctx = WithCycle(ctx, Cycle{PR: 7, Iteration: 2})
	ctx = WithRequestID(ctx, "delivery-123")

	logger.Info(ctx, "review posted", zap.String("event", "APPROVE"))

	entries := logger.FilterMessage("review posted").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "acme/api", fields["cycle.repo"])
	assert.Equal(t, int64(42), fields["cycle.issue"])
	assert.Equal(t, int64(7), fields["cycle.pr"])
	assert.Equal(t, int64(2), fields["cycle.iteration"])
	assert.Equal(t, "delivery-123", fields["request.id"])
	assert.Equal(t, "APPROVE", fields["event"])
}

func TestWithRequestID_IgnoresInvalid(t *testing.T) {
	ctx := WithRequestID(context.Background(), "has spaces; and=stuff")
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()), "nop logger when absent")

	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	logger.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var out bytes.Buffer
	z := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&out), zapcore.DebugLevel))

	z.Info("calling api with Bearer abc.def.ghi",
		zap.String("token", "ghp_aaaaaaaaaaaaaaaaaaaaaaaa"),
		zap.String("note", "key is ghp_bbbbbbbbbbbbbbbbbbbbbbbb ok"),
		zap.Error(errors.New("401: Authorization: Bearer sk-live")),
		zap.Int("issue", 42),
	)

	line := out.String()
	assert.NotContains(t, line, "ghp_aaaa")
	assert.NotContains(t, line, "ghp_bbbb")
	assert.NotContains(t, line, "abc.def.ghi")
	assert.NotContains(t, line, "sk-live")
	assert.Contains(t, line, `"note":"key is [REDACTED] ok"`)
	assert.Contains(t, line, `"issue":42`)
}

func TestSecretField(t *testing.T) {
	logger := NewTestLogger()
	logger.Info(context.Background(), "config loaded",
		Secret("github_token", config.Secret("ghp_12345")),
		Secret("admin_token", config.Secret("")),
	)
	logger.AssertField(t, "config loaded", "github_token", "[REDACTED:9]")
	logger.AssertField(t, "config loaded", "admin_token", "[UNSET]")
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, l)

	l, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}
