package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/changeplan"
	"github.com/OneBeatTrue/code-agent/internal/events"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/review"
)

// Coder runs one code generation step against a gateway session.
type Coder interface {
	Run(ctx context.Context, gw githost.Gateway, req changeplan.Request) (*changeplan.Outcome, error)
}

// Reviewer assesses a pull request.
type Reviewer interface {
	Review(ctx context.Context, in review.Input) (*review.Assessment, error)
}

// Scheduler runs the next code step of a cycle after a review requests
// changes. Implementations must not drop a scheduled step silently.
type Scheduler interface {
	ScheduleCodeStep(ctx context.Context, recordID uint) error
}

// Redactor masks secrets in outbound text.
type Redactor interface {
	Redact(text string) (string, int)
}

// Config holds cycle policy.
type Config struct {
	MaxIterations     int
	CodeAgentName     string
	ReviewerAgentName string
}

// Orchestrator is the cycle state machine. It is safe for concurrent use.
type Orchestrator struct {
	store     iteration.Store
	hosts     githost.Provider
	coder     Coder
	reviewer  Reviewer
	scheduler Scheduler
	events    events.Publisher
	redactor  Redactor
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *metrics
	now       func() time.Time

	meterProvider metric.MeterProvider
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithScheduler sets how follow-up code steps run. Without one they run
// inline, before the triggering call returns.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithRedactor scrubs comments and reviews before they are posted.
func WithRedactor(r Redactor) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMeterProvider sets the metric provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

// WithTracerProvider sets the trace provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator.
func New(store iteration.Store, hosts githost.Provider, coder Coder, reviewer Reviewer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil || hosts == nil || coder == nil || reviewer == nil {
		return nil, errors.New("orchestrator: store, hosts, coder and reviewer are required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("orchestrator: max iterations must be >= 1, got %d", cfg.MaxIterations)
	}

	o := &Orchestrator{
		store:    store,
		hosts:    hosts,
		coder:    coder,
		reviewer: reviewer,
		events:   events.NopPublisher{},
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	m, err := newMetrics(o.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	o.metrics = m
	if o.scheduler == nil {
		o.scheduler = inline{o}
	}
	return o, nil
}

// SetScheduler replaces the scheduler. Use it when the scheduler itself
// needs the orchestrator. Call before serving events.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

// Store exposes the record store for read-only callers such as the admin API.
func (o *Orchestrator) Store() iteration.Store {
	return o.store
}

// inline runs follow-up steps synchronously.
type inline struct{ o *Orchestrator }

func (s inline) ScheduleCodeStep(ctx context.Context, recordID uint) error {
	_, err := s.o.RunCodeStep(ctx, recordID)
	return err
}

// StartRequest asks for a cycle on an issue.
type StartRequest struct {
	Repository     string `json:"repository"`
	IssueNumber    int    `json:"issue_number"`
	InstallationID int64  `json:"installation_id"`
	Restart        bool   `json:"restart"`
}

// Validate checks the request payload.
func (r StartRequest) Validate() error {
	if _, _, err := githost.SplitRepo(r.Repository); err != nil {
		return err
	}
	if r.IssueNumber <= 0 {
		return fmt.Errorf("issue number must be positive, got %d", r.IssueNumber)
	}
	if r.InstallationID < 0 {
		return fmt.Errorf("installation id must not be negative, got %d", r.InstallationID)
	}
	return nil
}

// StartResult reports what StartCycle did.
type StartResult struct {
	Record *iteration.Record
	// Existing is true when an active cycle was returned unchanged.
	Existing bool
}

// StartCycle opens a cycle for an issue and runs its first code step. A
// plain start on an issue with an active cycle returns that cycle. A
// restart fails the active cycle first.
func (o *Orchestrator) StartCycle(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithCycle(ctx, logging.Cycle{Repo: req.Repository, Issue: req.IssueNumber})
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_cycle", trace.WithAttributes(
		attribute.String("repository", req.Repository),
		attribute.Int("issue", req.IssueNumber),
		attribute.Bool("restart", req.Restart),
	))
	defer span.End()
	defer o.metrics.observeStep(ctx, "start", o.now())

	if !req.Restart {
		existing, err := o.store.GetActive(ctx, req.Repository, req.IssueNumber)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			o.logger.Info(ctx, "cycle already active", zap.Uint("record_id", existing.ID), zap.String("status", string(existing.Status)))
			return &StartResult{Record: existing, Existing: true}, nil
		}
	}

	gw, err := o.hosts.Open(ctx, req.InstallationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("open hosting session: %w", err)
	}
	defer o.closeSession(ctx, gw)

	issue, err := gw.GetIssue(ctx, req.Repository, req.IssueNumber)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetch issue: %w", err)
	}

	nr := iteration.NewRecord{
		Repository:     req.Repository,
		IssueNumber:    req.IssueNumber,
		InstallationID: req.InstallationID,
		IssueTitle:     issue.Title,
		IssueBody:      issue.Body,
		MaxIterations:  o.cfg.MaxIterations,
	}
	var rec *iteration.Record
	if req.Restart {
		rec, err = o.restart(ctx, gw, nr)
	} else {
		rec, err = o.store.CreateIfNoneActive(ctx, nr)
		if errors.Is(err, iteration.ErrActiveExists) {
			o.logger.Info(ctx, "cycle started concurrently", zap.Uint("record_id", rec.ID))
			return &StartResult{Record: rec, Existing: true}, nil
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("new iteration record vanished")
	}

	ctx = logging.WithCycle(ctx, logging.Cycle{RecordID: rec.ID})
	o.metrics.cyclesStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("restart", req.Restart)))
	o.publish(ctx, events.KindStarted, rec, "")
	o.logger.Info(ctx, "cycle started", zap.Int("max_iterations", rec.MaxIterations), zap.Bool("restart", req.Restart))

	if err := o.codeStep(ctx, gw, rec); err != nil {
		return nil, err
	}
	return &StartResult{Record: o.reload(ctx, rec)}, nil
}

// restart fails the issue's active cycle, if any, and opens a new one on
// the same branch and pull request.
func (o *Orchestrator) restart(ctx context.Context, gw githost.Gateway, nr iteration.NewRecord) (*iteration.Record, error) {
	prev, err := o.store.GetActive(ctx, nr.Repository, nr.IssueNumber)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if err := o.complete(cycleContext(ctx, prev), gw, prev, iteration.StatusFailed, ReasonRestarted); err != nil {
			return nil, err
		}
	}
	rec, err := o.store.Create(ctx, nr)
	if err != nil || prev == nil || !prev.HasPR() {
		return rec, err
	}
	return o.store.Update(ctx, rec.ID, iteration.Fields{
		BranchName: iteration.Ptr(prev.BranchName),
		PRNumber:   iteration.Ptr(prev.PRNumber),
	})
}

// reload returns the stored copy of rec, or rec when it cannot be read.
func (o *Orchestrator) reload(ctx context.Context, rec *iteration.Record) *iteration.Record {
	fresh, err := o.store.Get(ctx, rec.ID)
	if err != nil || fresh == nil {
		return rec
	}
	return fresh
}

func (o *Orchestrator) closeSession(ctx context.Context, gw githost.Gateway) {
	if err := gw.Close(); err != nil {
		o.logger.Warn(ctx, "failed to close hosting session", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, rec *iteration.Record, message string) {
	o.publishEvent(ctx, events.Event{
		Kind:          kind,
		RecordID:      rec.ID,
		Repository:    rec.RepositoryFullName,
		IssueNumber:   rec.IssueNumber,
		PRNumber:      rec.PRNumber,
		Iteration:     rec.CurrentIteration,
		MaxIterations: rec.MaxIterations,
		Status:        string(rec.Status),
		Message:       message,
	})
}

func (o *Orchestrator) publishEvent(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now().UTC()
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "failed to publish lifecycle event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// fail ends the cycle for a critical step error.
func (o *Orchestrator) fail(ctx context.Context, gw githost.Gateway, rec *iteration.Record, se *StepError) error {
	o.metrics.stepError(ctx, se)
	o.logger.Error(ctx, "step failed", zap.String("op", se.Op), zap.Error(se.Err))
	return o.complete(ctx, gw, rec, iteration.StatusFailed, se.Reason)
}

// degrade records a step error the cycle survives.
func (o *Orchestrator) degrade(ctx context.Context, se *StepError) {
	o.metrics.stepError(ctx, se)
	if se.Severity == SeverityHigh {
		o.logger.Error(ctx, "step degraded", zap.String("op", se.Op), zap.Error(se.Err))
		return
	}
	o.logger.Warn(ctx, "non-fatal step error", zap.String("op", se.Op), zap.Error(se.Err))
}

func (o *Orchestrator) redact(ctx context.Context, text string) string {
	if o.redactor == nil {
		return text
	}
	clean, n := o.redactor.Redact(text)
	if n > 0 {
		o.logger.Warn(ctx, "redacted secrets from outbound comment", zap.Int("findings", n))
	}
	return clean
}
