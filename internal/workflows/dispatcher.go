package workflows

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/OneBeatTrue/code-agent/internal/dispatch"
	"github.com/OneBeatTrue/code-agent/internal/githost"
	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

// startTimeout bounds the call that hands a workflow to the Temporal server.
const startTimeout = 30 * time.Second

var idUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Dispatcher starts orchestration work as Temporal workflows. Workflow ids
// are derived from the work itself, so a redelivered webhook attaches to
// the workflow the first delivery started.
type Dispatcher struct {
	client    client.Client
	taskQueue string
	store     iteration.Store
	logger    *logging.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher on taskQueue. store, when set, lets
// code step ids include the iteration they follow.
func NewDispatcher(c client.Client, taskQueue string, store iteration.Store, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		client:    c,
		taskQueue: taskQueue,
		store:     store,
		logger:    logger.Named("temporal-dispatch"),
		now:       time.Now,
	}
}

// DispatchStart starts StartCycleWorkflow.
func (d *Dispatcher) DispatchStart(ctx context.Context, req orchestrator.StartRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	owner, repo, _ := githost.SplitRepo(req.Repository)
	id := fmt.Sprintf("cycle-%s-%s-issue-%d", token(owner), token(repo), req.IssueNumber)
	if req.Restart {
		id = fmt.Sprintf("%s-restart-%d", id, d.now().Unix())
	}
	return d.start(ctx, id, StartCycleWorkflow, StartCycleInput{
		Repository:     req.Repository,
		IssueNumber:    req.IssueNumber,
		InstallationID: req.InstallationID,
		Restart:        req.Restart,
		DeliveryID:     logging.RequestIDFromContext(ctx),
	})
}

// DispatchCI starts CICompletionWorkflow.
func (d *Dispatcher) DispatchCI(ctx context.Context, ev orchestrator.CIEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	delivery := logging.RequestIDFromContext(ctx)
	if delivery == "" {
		delivery = uuid.NewString()
	}
	owner, repo, _ := githost.SplitRepo(ev.Repository)
	id := fmt.Sprintf("ci-%s-%s-pr-%d-%s-%s", token(owner), token(repo), ev.PRNumber, token(ev.Conclusion), token(delivery))
	return d.start(ctx, id, CICompletionWorkflow, CIEventInput{
		Repository: ev.Repository,
		PRNumber:   ev.PRNumber,
		Status:     ev.Status,
		Conclusion: ev.Conclusion,
		DeliveryID: delivery,
	})
}

// ScheduleCodeStep starts CodeStepWorkflow.
func (d *Dispatcher) ScheduleCodeStep(ctx context.Context, recordID uint) error {
	id := fmt.Sprintf("code-step-%d", recordID)
	if d.store != nil {
		rec, err := d.store.Get(ctx, recordID)
		if err != nil {
			return fmt.Errorf("load record for code step id: %w", err)
		}
		if rec != nil {
			id = fmt.Sprintf("%s-%d", id, rec.CurrentIteration)
		}
	}
	_, err := d.start(ctx, id, CodeStepWorkflow, CodeStepInput{RecordID: recordID})
	return err
}

func (d *Dispatcher) start(ctx context.Context, id string, wf interface{}, input interface{}) (string, error) {
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	run, err := d.client.ExecuteWorkflow(startCtx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: d.taskQueue,
	}, wf, input)
	if err != nil {
		return "", fmt.Errorf("failed to start workflow %s: %w", id, err)
	}

	d.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetID(), nil
}

func token(s string) string {
	s = idUnsafe.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" {
		return "none"
	}
	return s
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)
