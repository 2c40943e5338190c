// Package config provides configuration loading for the code agent services.
//
// Values come from built-in defaults, an optional YAML file and environment
// variables, in increasing order of precedence. See Load.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	GitHub    GitHubConfig    `koanf:"github"`
	Assistant AssistantConfig `koanf:"assistant"`
	Agent     AgentConfig     `koanf:"agent"`
	Database  DatabaseConfig  `koanf:"database"`
	CI        CIConfig        `koanf:"ci"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Events    EventsConfig    `koanf:"events"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Admin     AdminConfig     `koanf:"admin"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds the webhook HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	BodyLimit       int64    `koanf:"body_limit"`
	RateLimit       float64  `koanf:"rate_limit"` // requests per second per client IP
	RateBurst       int      `koanf:"rate_burst"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GitHubConfig holds hosting-service credentials and trigger settings.
type GitHubConfig struct {
	Token          Secret `koanf:"token"`
	WebhookSecret  Secret `koanf:"webhook_secret"`
	APIURL         string `koanf:"api_url"` // empty for github.com
	TriggerLabel   string `koanf:"trigger_label"`
	RestartCommand string `koanf:"restart_command"`
}

// AssistantConfig selects and configures the text-generation provider.
type AssistantConfig struct {
	Provider    string   `koanf:"provider"` // langchaingo, openai, eino
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
}

// AgentConfig holds iteration budget and display names.
type AgentConfig struct {
	MaxIterations     int    `koanf:"max_iterations"`
	CodeAgentName     string `koanf:"code_agent_name"`
	ReviewerAgentName string `koanf:"reviewer_agent_name"`
}

// DatabaseConfig holds the iteration record store location.
type DatabaseConfig struct {
	Path     string `koanf:"path"`
	LogLevel string `koanf:"log_level"` // silent, error, warn, info
}

// CIConfig drives the CI watchdog.
type CIConfig struct {
	CheckInterval Duration `koanf:"check_interval"`
	MaxWait       Duration `koanf:"max_wait"`
}

// DispatchConfig selects how orchestration work is scheduled.
type DispatchConfig struct {
	Backend     string   `koanf:"backend"` // inprocess, temporal
	Workers     int      `koanf:"workers"`
	QueueSize   int      `koanf:"queue_size"`
	TaskTimeout Duration `koanf:"task_timeout"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	Host      string `koanf:"host"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// EventsConfig configures lifecycle event publishing. An empty NATSURL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig configures outbound secret scrubbing.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// AdminConfig protects the admin API. Admin routes are off without a token.
type AdminConfig struct {
	Token Secret `koanf:"token"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc, http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(30 * time.Second),
			BodyLimit:       1 << 20,
			RateLimit:       1,
			RateBurst:       10,
		},
		GitHub: GitHubConfig{
			TriggerLabel:   "ai-agent",
			RestartCommand: "/agent restart",
		},
		Assistant: AssistantConfig{
			Provider:    "langchaingo",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://openrouter.ai/api/v1",
			MaxTokens:   4000,
			Temperature: 0.7,
			Timeout:     Duration(2 * time.Minute),
		},
		Agent: AgentConfig{
			MaxIterations:     5,
			CodeAgentName:     "AI Code Agent",
			ReviewerAgentName: "AI Reviewer Agent",
		},
		Database: DatabaseConfig{
			Path:     "./code-agent.db",
			LogLevel: "warn",
		},
		CI: CIConfig{
			CheckInterval: Duration(60 * time.Second),
			MaxWait:       Duration(30 * time.Minute),
		},
		Dispatch: DispatchConfig{
			Backend:     "inprocess",
			Workers:     4,
			QueueSize:   256,
			TaskTimeout: Duration(30 * time.Minute),
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "default",
			TaskQueue: "code-agent-cycles",
		},
		Events: EventsConfig{
			SubjectPrefix: "codeagent",
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "code-agent",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for values the services cannot run with.
// Credentials are checked by the commands that need them, not here.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.BodyLimit <= 0 {
		errs = append(errs, errors.New("server.body_limit must be > 0"))
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must be > 0"))
	}

	switch c.Assistant.Provider {
	case "langchaingo", "openai", "eino":
	default:
		errs = append(errs, fmt.Errorf("assistant.provider must be langchaingo, openai or eino, got %q", c.Assistant.Provider))
	}
	if c.Assistant.Model == "" {
		errs = append(errs, errors.New("assistant.model is required"))
	}
	if c.Assistant.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tokens must be > 0, got %d", c.Assistant.MaxTokens))
	}
	if c.Assistant.Temperature < 0 || c.Assistant.Temperature > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature must be within [0, 2], got %v", c.Assistant.Temperature))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.CI.CheckInterval.Duration() <= 0 {
		errs = append(errs, errors.New("ci.check_interval must be > 0"))
	}
	if c.CI.MaxWait.Duration() < c.CI.CheckInterval.Duration() {
		errs = append(errs, errors.New("ci.max_wait must be >= ci.check_interval"))
	}

	switch c.Dispatch.Backend {
	case "inprocess":
		if c.Dispatch.Workers < 1 {
			errs = append(errs, fmt.Errorf("dispatch.workers must be >= 1, got %d", c.Dispatch.Workers))
		}
		if c.Dispatch.QueueSize < 1 {
			errs = append(errs, fmt.Errorf("dispatch.queue_size must be >= 1, got %d", c.Dispatch.QueueSize))
		}
	case "temporal":
		if c.Temporal.Host == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, errors.New("temporal.host and temporal.task_queue are required for the temporal backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.backend must be inprocess or temporal, got %q", c.Dispatch.Backend))
	}

	if c.Events.NATSURL != "" && strings.TrimSpace(c.Events.SubjectPrefix) == "" {
		errs = append(errs, errors.New("events.subject_prefix is required when events.nats_url is set"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
