// Cycle-worker executes code agent cycles dispatched as Temporal workflows.
//
// Run it alongside github-webhook when dispatch.backend is temporal. The
// worker hosts the start, CI completion and code step workflows and runs
// each against the same orchestrator the webhook server builds.
//
// Usage:
//
//	DISPATCH_BACKEND=temporal \
//	TEMPORAL_HOST=localhost:7233 \
//	GITHUB_TOKEN=ghp_xxx \
//	ASSISTANT_API_KEY=sk-xxx \
//	cycle-worker -config config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/services"
	"github.com/OneBeatTrue/code-agent/internal/workflows"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CODE_AGENT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Dispatch.Backend != "temporal" {
		return fmt.Errorf("cycle-worker needs dispatch.backend temporal, got %q", cfg.Dispatch.Backend)
	}
	if !cfg.GitHub.Token.IsSet() {
		return errors.New("github.token (GITHUB_TOKEN) not set")
	}

	reg, err := services.New(ctx, cfg, services.Options{Service: "cycle-worker", Version: version})
	if err != nil {
		return err
	}
	logger := reg.Logger()
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Warn(context.Background(), "failed to release services", zap.Error(err))
		}
	}()

	c, err := reg.DialTemporal()
	if err != nil {
		return err
	}
	defer c.Close()

	// Follow-up code steps become their own workflows so a worker restart
	// never loses one.
	orch := reg.Orchestrator()
	orch.SetScheduler(workflows.NewDispatcher(c, cfg.Temporal.TaskQueue, reg.Store(), logger))

	activities, err := workflows.NewActivities(orch, reg.Telemetry().MeterProvider())
	if err != nil {
		return err
	}

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.StartCycleWorkflow)
	w.RegisterWorkflow(workflows.CICompletionWorkflow)
	w.RegisterWorkflow(workflows.CodeStepWorkflow)
	w.RegisterActivity(activities)

	logger.Info(ctx, "worker configured",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("namespace", cfg.Temporal.Namespace),
	)

	workerErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker starting")
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
		// Run sees the same signal through InterruptCh and stops the worker.
		if err := <-workerErrors; err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	}

	logger.Info(context.Background(), "worker stopped")
	return nil
}
