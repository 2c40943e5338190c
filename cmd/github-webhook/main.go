// Github-webhook receives GitHub deliveries and drives the code agent cycle.
//
// Issues labelled with the trigger label start a cycle, CI completions on the
// agent's pull requests trigger a review, and the restart command on an issue
// starts over. Work runs on an in-process worker pool or, with the temporal
// dispatch backend, as workflows executed by cycle-worker.
//
// Configuration comes from an optional YAML file, a .env file and the
// environment. See internal/config for the keys.
//
// Usage:
//
//	GITHUB_TOKEN=ghp_xxx \
//	GITHUB_WEBHOOK_SECRET=your_secret \
//	ASSISTANT_API_KEY=sk-xxx \
//	github-webhook -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/dispatch"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
	"github.com/OneBeatTrue/code-agent/internal/services"
	"github.com/OneBeatTrue/code-agent/internal/webhook"
	"github.com/OneBeatTrue/code-agent/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CODE_AGENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if flag.Arg(0) == "version" {
		fmt.Printf("github-webhook %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.GitHub.WebhookSecret.IsSet() {
		return errors.New("github.webhook_secret (GITHUB_WEBHOOK_SECRET) not set")
	}
	if !cfg.GitHub.Token.IsSet() {
		return errors.New("github.token (GITHUB_TOKEN) not set")
	}

	reg, err := services.New(ctx, cfg, services.Options{Service: "github-webhook", Version: version})
	if err != nil {
		return err
	}
	logger := reg.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := reg.Close(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "failed to release services", zap.Error(err))
		}
	}()

	orch := reg.Orchestrator()
	dispatcher, closeDispatcher, err := newDispatcher(reg, orch)
	if err != nil {
		return err
	}
	orch.SetScheduler(dispatcher)

	watchdog, err := orchestrator.NewWatchdog(orch, cfg.CI.CheckInterval.Duration(), cfg.CI.MaxWait.Duration())
	if err != nil {
		closeDispatcher(ctx)
		return err
	}

	opts := []webhook.Option{webhook.WithMeterProvider(reg.Telemetry().MeterProvider())}
	for name, check := range reg.HealthChecks() {
		opts = append(opts, webhook.WithHealthCheck(name, check))
	}
	srv, err := webhook.NewServer(webhook.Config{
		WebhookSecret:  cfg.GitHub.WebhookSecret.Value(),
		TriggerLabel:   cfg.GitHub.TriggerLabel,
		RestartCommand: cfg.GitHub.RestartCommand,
		AdminToken:     cfg.Admin.Token.Value(),
		BodyLimit:      cfg.Server.BodyLimit,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
	}, dispatcher, reg.Store(), orch, logger, opts...)
	if err != nil {
		closeDispatcher(ctx)
		return err
	}

	logger.Info(ctx, "github webhook server starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("dispatch_backend", cfg.Dispatch.Backend),
		zap.Bool("admin_api", cfg.Admin.Token.IsSet()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr())
	})
	g.Go(func() error {
		if err := watchdog.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		closeDispatcher(shutdownCtx)
		return err
	})

	err = g.Wait()
	logger.Info(context.Background(), "server stopped")
	return err
}

// newDispatcher builds the configured dispatch backend and the func that
// releases it.
func newDispatcher(reg *services.Registry, orch *orchestrator.Orchestrator) (dispatch.Dispatcher, func(context.Context), error) {
	cfg := reg.Config()
	logger := reg.Logger()

	switch cfg.Dispatch.Backend {
	case "temporal":
		c, err := reg.DialTemporal()
		if err != nil {
			return nil, nil, err
		}
		d := workflows.NewDispatcher(c, cfg.Temporal.TaskQueue, reg.Store(), logger)
		return d, func(context.Context) { c.Close() }, nil
	default:
		pool := dispatch.NewPool(orch, dispatch.PoolConfig{
			Workers:     cfg.Dispatch.Workers,
			QueueSize:   cfg.Dispatch.QueueSize,
			TaskTimeout: cfg.Dispatch.TaskTimeout.Duration(),
		}, logger)
		return pool, func(ctx context.Context) {
			if err := pool.Close(ctx); err != nil {
				logger.Warn(ctx, "worker pool did not drain", zap.Int("pending", pool.Pending()), zap.Error(err))
			}
		}, nil
	}
}
