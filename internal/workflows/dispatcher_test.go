package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/OneBeatTrue/code-agent/internal/iteration"
	"github.com/OneBeatTrue/code-agent/internal/logging"
	"github.com/OneBeatTrue/code-agent/internal/orchestrator"
)

type recordStore struct {
	iteration.Store
	rec *iteration.Record
	err error
}

func (s *recordStore) Get(context.Context, uint) (*iteration.Record, error) {
	return s.rec, s.err
}

// expectStart mocks one ExecuteWorkflow call and captures its options and input.
func expectStart(c *mocks.Client, opts *client.StartWorkflowOptions, input *interface{}) {
	run := &mocks.WorkflowRun{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			*opts = args.Get(1).(client.StartWorkflowOptions)
			*input = args.Get(3)
			run.On("GetID").Return(opts.ID)
			run.On("GetRunID").Return("run-1")
		}).
		Return(run, nil).Once()
}

func TestDispatcher_DispatchStart(t *testing.T) {
	t.Run("uses the issue as workflow id", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		d := NewDispatcher(c, "code-agent", nil, logging.NewNop())
		ctx := logging.WithRequestID(context.Background(), "delivery-1")
		id, err := d.DispatchStart(ctx, orchestrator.StartRequest{
			Repository:     "acme/widgets",
			IssueNumber:    42,
			InstallationID: 5,
		})
		require.NoError(t, err)

		assert.Equal(t, "cycle-acme-widgets-issue-42", id)
		assert.Equal(t, "code-agent", opts.TaskQueue)
		assert.Equal(t, StartCycleInput{
			Repository:     "acme/widgets",
			IssueNumber:    42,
			InstallationID: 5,
			DeliveryID:     "delivery-1",
		}, input)
		c.AssertExpectations(t)
	})

	t.Run("restart gets a fresh id", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		d := NewDispatcher(c, "code-agent", nil, nil)
		d.now = func() time.Time { return time.Unix(1700000000, 0) }
		id, err := d.DispatchStart(context.Background(), orchestrator.StartRequest{
			Repository:  "acme/widgets",
			IssueNumber: 42,
			Restart:     true,
		})
		require.NoError(t, err)
		assert.Equal(t, "cycle-acme-widgets-issue-42-restart-1700000000", id)
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		c := &mocks.Client{}
		d := NewDispatcher(c, "code-agent", nil, nil)
		_, err := d.DispatchStart(context.Background(), orchestrator.StartRequest{Repository: "acme"})
		require.Error(t, err)
		c.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wraps client errors", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("unavailable"))

		d := NewDispatcher(c, "code-agent", nil, nil)
		_, err := d.DispatchStart(context.Background(), orchestrator.StartRequest{Repository: "acme/widgets", IssueNumber: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle-acme-widgets-issue-1")
	})
}

func TestDispatcher_DispatchCI(t *testing.T) {
	t.Run("includes the delivery in the id", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		d := NewDispatcher(c, "code-agent", nil, nil)
		ctx := logging.WithRequestID(context.Background(), "abc-123")
		id, err := d.DispatchCI(ctx, orchestrator.CIEvent{
			Repository: "acme/widgets",
			PRNumber:   7,
			Status:     "completed",
			Conclusion: "failure",
		})
		require.NoError(t, err)
		assert.Equal(t, "ci-acme-widgets-pr-7-failure-abc-123", id)

		in, ok := input.(CIEventInput)
		require.True(t, ok)
		assert.Equal(t, "abc-123", in.DeliveryID)
	})

	t.Run("generates a delivery when none is known", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		d := NewDispatcher(c, "code-agent", nil, nil)
		id, err := d.DispatchCI(context.Background(), orchestrator.CIEvent{
			Repository: "acme/widgets",
			PRNumber:   7,
			Conclusion: "success",
		})
		require.NoError(t, err)
		assert.Regexp(t, `^ci-acme-widgets-pr-7-success-[0-9a-f-]{36}$`, id)
		assert.NotEmpty(t, input.(CIEventInput).DeliveryID)
	})
}

func TestDispatcher_ScheduleCodeStep(t *testing.T) {
	t.Run("id follows the iteration", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		store := &recordStore{rec: &iteration.Record{ID: 3, CurrentIteration: 2}}
		d := NewDispatcher(c, "code-agent", store, nil)
		require.NoError(t, d.ScheduleCodeStep(context.Background(), 3))

		assert.Equal(t, "code-step-3-2", opts.ID)
		assert.Equal(t, CodeStepInput{RecordID: 3}, input)
	})

	t.Run("store errors stop scheduling", func(t *testing.T) {
		c := &mocks.Client{}
		d := NewDispatcher(c, "code-agent", &recordStore{err: errors.New("locked")}, nil)
		require.Error(t, d.ScheduleCodeStep(context.Background(), 3))
		c.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("works without a store", func(t *testing.T) {
		c := &mocks.Client{}
		var opts client.StartWorkflowOptions
		var input interface{}
		expectStart(c, &opts, &input)

		d := NewDispatcher(c, "code-agent", nil, nil)
		require.NoError(t, d.ScheduleCodeStep(context.Background(), 8))
		assert.Equal(t, "code-step-8", opts.ID)
	})
}

func TestToken(t *testing.T) {
	assert.Equal(t, "none", token("  "))
	assert.Equal(t, "my_org", token("my org"))
	assert.Equal(t, "a.b-c_d", token("a.b-c_d"))
}
