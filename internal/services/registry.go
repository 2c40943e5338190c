package services

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/OneBeatTrue/code-agent/internal/assistant"
	"github.com/OneBeatTrue/code-agent/internal/changeplan"
	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/events"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
	"github.com/OneBeatTrue/code-agent/internal/review"
	"github.com/OneBeatTrue/code-agent/internal/secrets"
	"github.com/OneBeatTrue/code-agent/internal/telemetry"
)

// Options overrides parts of the registry. Zero values build the real
// dependency from configuration.
type Options struct {
	Service   string // logged as the "service" field
	Version   string
	Logger    *logging.Logger
	Assistant assistant.Gateway
	Hosts     githost.Provider
}

// Registry holds the assembled services.
type Registry struct {
	cfg          *config.Config
	logger       *logging.Logger
	telemetry    *telemetry.Telemetry
	db           *gorm.DB
	store        iteration.Store
	scrubber     *secrets.Scrubber
	publisher    events.Publisher
	nats         *events.NATSPublisher
	orchestrator *orchestrator.Orchestrator

	closers []func(context.Context) error
}

// New assembles a Registry. On error everything built so far is released.
func New(ctx context.Context, cfg *config.Config, opts Options) (reg *Registry, err error) {
	if cfg == nil {
		return nil, errors.New("services: config is required")
	}
	r := &Registry{cfg: cfg, publisher: events.NopPublisher{}}
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	tel, err := telemetry.New(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	r.telemetry = tel
	r.closers = append(r.closers, tel.Shutdown)

	r.logger = opts.Logger
	if r.logger == nil {
		logCfg, err := logging.FromSettings(cfg.Logging, opts.Service)
		if err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
		if r.logger, err = logging.NewLogger(logCfg, tel.LoggerProvider()); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
		logger := r.logger
		r.closers = append(r.closers, func(context.Context) error {
			_ = logger.Sync()
			return nil
		})
	}

	db, err := iteration.Open(cfg.Database, r.logger)
	if err != nil {
		return nil, err
	}
	r.db = db
	r.store = iteration.NewGormStore(db)
	r.closers = append(r.closers, func(context.Context) error { return iteration.Close(db) })

	r.scrubber, err = secrets.New(secrets.Config{
		Enabled:       cfg.Secrets.Enabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}

	hosts := opts.Hosts
	if hosts == nil {
		var popts []githost.ProviderOption
		if cfg.GitHub.APIURL != "" {
			popts = append(popts, githost.WithAPIURL(cfg.GitHub.APIURL))
		}
		hosts = githost.NewClientProvider(githost.StaticTokens{Token: cfg.GitHub.Token}, r.logger, popts...)
	}

	gw := opts.Assistant
	if gw == nil {
		if gw, err = assistant.New(ctx, cfg.Assistant, r.logger); err != nil {
			return nil, fmt.Errorf("initializing assistant: %w", err)
		}
	}
	genOpts := assistant.Options{
		MaxTokens:   cfg.Assistant.MaxTokens,
		Temperature: cfg.Assistant.Temperature,
	}
	coder := changeplan.NewEngine(gw, genOpts, r.logger, changeplan.WithRedactor(r.scrubber))
	reviewer := review.NewEngine(gw, genOpts, r.logger)

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, r.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		r.nats = pub
		r.publisher = pub
		r.closers = append(r.closers, func(context.Context) error { return pub.Close() })
	}

	r.orchestrator, err = orchestrator.New(r.store, hosts, coder, reviewer, orchestrator.Config{
		MaxIterations:     cfg.Agent.MaxIterations,
		CodeAgentName:     cfg.Agent.CodeAgentName,
		ReviewerAgentName: cfg.Agent.ReviewerAgentName,
	},
		orchestrator.WithLogger(r.logger),
		orchestrator.WithPublisher(r.publisher),
		orchestrator.WithRedactor(r.scrubber),
		orchestrator.WithMeterProvider(tel.MeterProvider()),
		orchestrator.WithTracerProvider(tel.TracerProvider()),
	)
	if err != nil {
		return nil, err
	}

	r.logger.Info(ctx, "services initialized",
		zap.String("assistant_provider", cfg.Assistant.Provider),
		zap.String("assistant_model", cfg.Assistant.Model),
		zap.String("dispatch_backend", cfg.Dispatch.Backend),
		zap.Bool("secret_scrubbing", r.scrubber.IsEnabled()),
		zap.Bool("events", r.nats != nil),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	return r, nil
}

func (r *Registry) Config() *config.Config { return r.cfg }
func (r *Registry) Logger() *logging.Logger { return r.logger }
func (r *Registry) Telemetry() *telemetry.Telemetry { return r.telemetry }
func (r *Registry) Store() iteration.Store { return r.store }
func (r *Registry) Scrubber() *secrets.Scrubber { return r.scrubber }
func (r *Registry) Publisher() events.Publisher { return r.publisher }
func (r *Registry) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }

// HealthChecks returns a check per external dependency.
func (r *Registry) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error {
			sqlDB, err := r.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"telemetry": func(context.Context) error {
			h := r.telemetry.Health()
			switch {
			case !h.Enabled:
				return nil
			case !h.Healthy:
				return errors.New("telemetry shut down")
			case h.Degraded:
				return errors.New(h.Problem)
			}
			return nil
		},
	}
	if r.nats != nil {
		checks["nats"] = r.nats.Check
	}
	return checks
}

// DialTemporal connects to the configured Temporal frontend.
func (r *Registry) DialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  r.cfg.Temporal.Host,
		Namespace: r.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	r.logger.Info(context.Background(), "temporal client connected",
		zap.String("host", r.cfg.Temporal.Host),
		zap.String("namespace", r.cfg.Temporal.Namespace))
	return c, nil
}

// Close releases everything New built, newest first.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
