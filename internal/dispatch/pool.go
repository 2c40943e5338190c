package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration // zero means no limit
}

type task struct {
	id   string
	kind string
	ctx  context.Context
	run  func(ctx context.Context) error
}

// Pool runs orchestration work on a fixed set of workers fed by a bounded
// queue. Submitting never blocks: a full queue is reported to the caller.
type Pool struct {
	runner  Runner
	cfg     PoolConfig
	logger  *logging.Logger
	queue   chan task
	group   *errgroup.Group
	base    context.Context
	cancel  context.CancelFunc
	newID   func() string
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// NewPool starts cfg.Workers workers driving runner.
func NewPool(runner Runner, cfg PoolConfig, logger *logging.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:  runner,
		cfg:     cfg,
		logger:  logger.Named("dispatch"),
		queue:   make(chan task, cfg.QueueSize),
		group:   &errgroup.Group{},
		base:    base,
		cancel:  cancel,
		newID:   uuid.NewString,
		stopped: make(chan struct{}),
	}
	p.group.SetLimit(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		_ = p.group.Wait()
		close(p.stopped)
	}()
	return p
}

// DispatchStart queues a cycle start.
func (p *Pool) DispatchStart(ctx context.Context, req orchestrator.StartRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return p.submit(ctx, "start_cycle", func(ctx context.Context) error {
		_, err := p.runner.StartCycle(ctx, req)
		return err
	})
}

// DispatchCI queues a CI completion event.
func (p *Pool) DispatchCI(ctx context.Context, ev orchestrator.CIEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	return p.submit(ctx, "ci_completion", func(ctx context.Context) error {
		out, err := p.runner.HandleCICompletion(ctx, ev)
		if err == nil {
			p.logger.Debug(ctx, "CI event handled", zap.String("outcome", string(out)))
		}
		return err
	})
}

// ScheduleCodeStep queues the next code step of a cycle.
func (p *Pool) ScheduleCodeStep(ctx context.Context, recordID uint) error {
	_, err := p.submit(ctx, "code_step", func(ctx context.Context) error {
		_, err := p.runner.RunCodeStep(ctx, recordID)
		return err
	})
	return err
}

// Pending reports the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// submit queues run. The task keeps ctx's values but not its deadline or
// cancellation, since the caller usually returns right away.
func (p *Pool) submit(ctx context.Context, kind string, run func(context.Context) error) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", ErrClosed
	}

	t := task{id: p.newID(), kind: kind, ctx: context.WithoutCancel(ctx), run: run}
	select {
	case p.queue <- t:
		p.logger.Debug(ctx, "task queued", zap.String("task_id", t.id), zap.String("kind", kind))
		return t.id, nil
	default:
		p.logger.Warn(ctx, "dispatch queue full", zap.String("kind", kind), zap.Int("capacity", cap(p.queue)))
		return "", ErrQueueFull
	}
}

func (p *Pool) work() error {
	for t := range p.queue {
		p.execute(t)
	}
	return nil
}

func (p *Pool) execute(t task) {
	ctx, cancel := context.WithCancel(logging.WithRequestID(t.ctx, t.id))
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()
	if p.cfg.TaskTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer timeoutCancel()
	}

	start := time.Now()
	err := p.guard(ctx, t)
	fields := []zap.Field{
		zap.String("task_id", t.id),
		zap.String("kind", t.kind),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		p.logger.Error(ctx, "task failed", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Info(ctx, "task finished", fields...)
}

// guard runs the task, turning a panic into an error so one bad task
// cannot take a worker down.
func (p *Pool) guard(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error(ctx, "task panicked",
				zap.String("task_id", t.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return t.run(ctx)
}

// Close stops accepting work and waits for queued and running tasks. When
// ctx ends first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.stopped:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.stopped
		return ctx.Err()
	}
}

var _ Dispatcher = (*Pool)(nil)
