// Package workflows runs orchestration work as Temporal workflows.
//
// Each orchestrator entry point gets a workflow with a single activity that
// calls it. Temporal supplies durability and deduplication by workflow id;
// the orchestrator keeps ownership of every state decision, so activities
// are never retried blindly.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// activityTimeout bounds one orchestration step: planning, file generation
// and publishing, or a review.
const activityTimeout = 30 * time.Minute

// StartCycleInput starts or restarts the cycle of an issue.
type StartCycleInput struct {
	Repository     string
	IssueNumber    int
	InstallationID int64
	Restart        bool
	DeliveryID     string
}

// StartCycleResult reports the record the start produced.
type StartCycleResult struct {
	RecordID  uint
	Status    string
	Iteration int
	PRNumber  int
	Existing  bool
}

// CIEventInput is a CI completion for a pull request.
type CIEventInput struct {
	Repository string
	PRNumber   int
	Status     string
	Conclusion string
	DeliveryID string
}

// CIEventResult carries what the orchestrator did with the event.
type CIEventResult struct {
	Outcome string
}

// CodeStepInput continues a cycle after a review requested changes.
type CodeStepInput struct {
	RecordID uint
}

// CodeStepResult reports the record after the step.
type CodeStepResult struct {
	Found     bool
	Status    string
	Iteration int
}

func withActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		// Steps write to the hosting service; a replay could open duplicate
		// comments or reviews. Failures are recorded on the cycle instead.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	})
}

// StartCycleWorkflow opens a cycle and runs its first code step.
func StartCycleWorkflow(ctx workflow.Context, in StartCycleInput) (*StartCycleResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting cycle",
		"repository", in.Repository,
		"issue", in.IssueNumber,
		"restart", in.Restart)

	var a *Activities
	var result StartCycleResult
	err := workflow.ExecuteActivity(withActivityOptions(ctx), a.StartCycle, in).Get(ctx, &result)
	if err != nil {
		return nil, WrapActivityError("failed to start cycle", err)
	}

	logger.Info("Cycle step finished",
		"record_id", result.RecordID,
		"status", result.Status,
		"existing", result.Existing)
	return &result, nil
}

// CICompletionWorkflow hands a CI result to the cycle waiting on it.
func CICompletionWorkflow(ctx workflow.Context, in CIEventInput) (*CIEventResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Handling CI completion",
		"repository", in.Repository,
		"pr", in.PRNumber,
		"conclusion", in.Conclusion)

	var a *Activities
	var result CIEventResult
	err := workflow.ExecuteActivity(withActivityOptions(ctx), a.HandleCICompletion, in).Get(ctx, &result)
	if err != nil {
		return nil, WrapActivityError("failed to handle CI completion", err)
	}

	logger.Info("CI completion handled", "outcome", result.Outcome)
	return &result, nil
}

// CodeStepWorkflow runs the next code step of a cycle.
func CodeStepWorkflow(ctx workflow.Context, in CodeStepInput) (*CodeStepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Running code step", "record_id", in.RecordID)

	var a *Activities
	var result CodeStepResult
	err := workflow.ExecuteActivity(withActivityOptions(ctx), a.RunCodeStep, in).Get(ctx, &result)
	if err != nil {
		return nil, WrapActivityError("failed to run code step", err)
	}
	return &result, nil
}
