package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envAliases maps variable names used by earlier deployments onto config keys.
var envAliases = map[string]string{
	"port":                  "server.port",
	"webhook_timeout":       "server.request_timeout",
	"max_iterations":        "agent.max_iterations",
	"code_agent_name":       "agent.code_agent_name",
	"reviewer_agent_name":   "agent.reviewer_agent_name",
	"openai_api_key":        "assistant.api_key",
	"openai_model":          "assistant.model",
	"openai_base_url":       "assistant.base_url",
	"database_url":          "database.path",
	"ci_max_wait_time":      "ci.max_wait",
	"temporal_host":         "temporal.host",
	"log_level":             "logging.level",
	"github_webhook_secret": "github.webhook_secret",
}

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (ASSISTANT_MODEL, AGENT_MAX_ITERATIONS, ...)
//  2. YAML config file at configPath, if it exists
//  3. Default()
//
// A .env file in the working directory is read into the process environment
// first; variables already set are not overridden.
//
// Environment variables map by splitting on the first underscore:
//
//	ASSISTANT_MAX_TOKENS -> assistant.max_tokens
//	GITHUB_WEBHOOK_SECRET -> github.webhook_secret
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey transforms SECTION_FIELD_NAME into section.field_name. Variables
// without an underscore (CI, HOME) are skipped so they cannot shadow a section.
func envKey(s string) string {
	lower := strings.ToLower(s)
	if alias, ok := envAliases[lower]; ok {
		return alias
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// normalize fixes up values that have more than one accepted spelling.
func normalize(cfg *Config) {
	// DATABASE_URL=sqlite:///./app.db
	cfg.Database.Path = strings.TrimPrefix(cfg.Database.Path, "sqlite:///")

	// OpenAI-compatible clients append /chat/completions themselves.
	cfg.Assistant.BaseURL = strings.TrimSuffix(cfg.Assistant.BaseURL, "/chat/completions")

	cfg.Dispatch.Backend = strings.ToLower(cfg.Dispatch.Backend)
	cfg.Assistant.Provider = strings.ToLower(cfg.Assistant.Provider)
}
