package tracker

import (
	"sync"
	"testing"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/dukex/taskflow/pkg/mocks"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	return New(p.WorkflowExecutionRepository(), nil, nil, log.Discard())
}

func createExecution(t *testing.T, tr *Tracker, id string, total int) *models.WorkflowExecution {
	t.Helper()

	execution, err := tr.Create(t.Context(), &models.WorkflowExecution{
		WorkflowID:  id,
		ProjectID:   "p1",
		TotalTasks:  total,
		TotalStages: 3,
	})
	require.NoError(t, err)

	return execution
}

func intPtr(v int) *int { return &v }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.WorkflowStatus
		want     bool
	}{
		{models.WorkflowStatusPending, models.WorkflowStatusRunning, true},
		{models.WorkflowStatusPending, models.WorkflowStatusCompleted, false},
		{models.WorkflowStatusRunning, models.WorkflowStatusPaused, true},
		{models.WorkflowStatusRunning, models.WorkflowStatusFailed, true},
		{models.WorkflowStatusPaused, models.WorkflowStatusRunning, true},
		{models.WorkflowStatusPaused, models.WorkflowStatusCompleted, false},
		{models.WorkflowStatusCompleted, models.WorkflowStatusRunning, false},
		{models.WorkflowStatusCancelled, models.WorkflowStatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTracker_Create(t *testing.T) {
	tr := newTestTracker(t)

	execution := createExecution(t, tr, "wf-1", 4)
	assert.Equal(t, models.WorkflowStatusPending, execution.Status)
	assert.Equal(t, int64(1), execution.Version)
	assert.NotNil(t, execution.TaskResults)

	_, err := tr.Create(t.Context(), &models.WorkflowExecution{WorkflowID: "wf-1", ProjectID: "p1"})
	assert.True(t, persistence.IsAlreadyExists(err))

	_, err = tr.Create(t.Context(), &models.WorkflowExecution{WorkflowID: "wf-2"})
	assert.True(t, models.IsValidationError(err))

	generated, err := tr.Create(t.Context(), &models.WorkflowExecution{ProjectID: "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.WorkflowID)
}

func TestTracker_UpdateStatus_StampsTimestamps(t *testing.T) {
	tr := newTestTracker(t)
	createExecution(t, tr, "wf-1", 2)
	ctx := t.Context()

	running, err := tr.UpdateStatus(ctx, "wf-1", models.WorkflowStatusRunning, "")
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	started := *running.StartedAt

	paused, err := tr.UpdateStatus(ctx, "wf-1", models.WorkflowStatusPaused, "")
	require.NoError(t, err)
	assert.NotNil(t, paused.PausedAt)

	resumed, err := tr.UpdateStatus(ctx, "wf-1", models.WorkflowStatusRunning, "")
	require.NoError(t, err)
	assert.Nil(t, resumed.PausedAt)
	assert.True(t, started.Equal(*resumed.StartedAt))

	failed, err := tr.UpdateStatus(ctx, "wf-1", models.WorkflowStatusFailed, "engine crashed")
	require.NoError(t, err)
	assert.NotNil(t, failed.CompletedAt)
	assert.Equal(t, "engine crashed", failed.ErrorMessage)

	_, err = tr.UpdateStatus(ctx, "wf-1", models.WorkflowStatusRunning, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.True(t, models.IsValidationError(err))
}

func TestTracker_UpdateStatus_PublishesCancellation(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "wf-1", mock.AnythingOfType("*events.WorkflowStatusChanged")).Return(nil)
	bus.On("Publish", mock.Anything, "wf-1", mock.MatchedBy(func(e *events.WorkflowCancelled) bool {
		return e.WorkflowID == "wf-1" && e.Reason == "user request" && e.ProjectID == "p1"
	})).Return(nil).Once()

	tr := New(p.WorkflowExecutionRepository(), bus, nil, log.Discard())
	createExecution(t, tr, "wf-1", 1)

	_, err := tr.UpdateStatus(t.Context(), "wf-1", models.WorkflowStatusCancelled, "user request")
	require.NoError(t, err)

	bus.AssertExpectations(t)
}

func TestTracker_UpdateProgress(t *testing.T) {
	tr := newTestTracker(t)
	createExecution(t, tr, "wf-1", 3)
	ctx := t.Context()

	execution, err := tr.UpdateProgress(ctx, "wf-1", ProgressUpdate{CompletedTasks: intPtr(2), CurrentStage: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, execution.CompletedTasks)
	assert.Equal(t, 1, execution.CurrentStage)
	assert.Equal(t, 0, execution.FailedTasks)

	tests := []struct {
		name   string
		update ProgressUpdate
	}{
		{"completed decreases", ProgressUpdate{CompletedTasks: intPtr(1)}},
		{"exceeds total", ProgressUpdate{FailedTasks: intPtr(2)}},
		{"stage out of range", ProgressUpdate{CurrentStage: intPtr(4)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.UpdateProgress(ctx, "wf-1", tt.update)
			assert.True(t, models.IsValidationError(err))
		})
	}

	stored, err := tr.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CompletedTasks)
	assert.Equal(t, 0, stored.FailedTasks)
}

func TestTracker_ConcurrentTaskOutcomesAreNotLost(t *testing.T) {
	tr := newTestTracker(t)
	tr.attempts = 50
	createExecution(t, tr, "wf-1", 10)

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result := models.TaskResult{TaskSequence: i + 1, Status: models.TaskStatusDone, Cost: 0.5, Tokens: 10}
			if i%2 == 1 {
				result.Error = "boom"
			}

			_, err := tr.RecordTaskOutcome(t.Context(), "wf-1", result)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	execution, err := tr.Get(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, execution.TaskResults, 10)
	assert.Equal(t, 5, execution.CompletedTasks)
	assert.Equal(t, 5, execution.FailedTasks)
	assert.InDelta(t, 5.0, execution.TotalCost, 1e-9)
	assert.Equal(t, int64(100), execution.TotalTokens)
}

func TestTracker_RetriesConflicts(t *testing.T) {
	repo := &mocks.MockWorkflowExecutionRepository{}
	conflict := persistence.NewError("Update", persistence.EntityWorkflowExecution, "wf-1", persistence.ErrConflict)

	repo.On("GetByID", mock.Anything, "wf-1").Return(&models.WorkflowExecution{WorkflowID: "wf-1", ProjectID: "p1", Version: 1}, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(conflict).Times(2)
	repo.On("Update", mock.Anything, mock.Anything).Return(nil).Once()

	m := metrics.New()
	tr := New(repo, nil, m, log.Discard())

	execution, err := tr.AddTaskResult(t.Context(), "wf-1", models.TaskResult{TaskSequence: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, execution.TaskResults)
	repo.AssertNumberOfCalls(t, "Update", 3)
}

func TestTracker_ConflictAttemptsExhausted(t *testing.T) {
	repo := &mocks.MockWorkflowExecutionRepository{}
	conflict := persistence.NewError("Update", persistence.EntityWorkflowExecution, "wf-1", persistence.ErrConflict)

	repo.On("GetByID", mock.Anything, "wf-1").Return(&models.WorkflowExecution{WorkflowID: "wf-1", ProjectID: "p1"}, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(conflict)

	tr := New(repo, nil, nil, log.Discard())
	tr.attempts = 3

	_, err := tr.AddTaskResult(t.Context(), "wf-1", models.TaskResult{TaskSequence: 1})
	assert.True(t, persistence.IsConflict(err))
	repo.AssertNumberOfCalls(t, "Update", 3)
}

func TestTracker_GetProjectStats(t *testing.T) {
	tr := newTestTracker(t)
	ctx := t.Context()

	createExecution(t, tr, "wf-1", 2)
	createExecution(t, tr, "wf-2", 3)

	_, err := tr.RecordTaskOutcome(ctx, "wf-1", models.TaskResult{TaskSequence: 1, Cost: 1.25, Tokens: 40})
	require.NoError(t, err)
	_, err = tr.RecordTaskOutcome(ctx, "wf-2", models.TaskResult{TaskSequence: 1, Error: "timeout", Tokens: 5})
	require.NoError(t, err)
	_, err = tr.UpdateStatus(ctx, "wf-2", models.WorkflowStatusRunning, "")
	require.NoError(t, err)

	stats, err := tr.GetProjectStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Executions)
	assert.Equal(t, 5, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.InDelta(t, 1.25, stats.TotalCost, 1e-9)
	assert.Equal(t, int64(45), stats.TotalTokens)
	assert.Equal(t, 1, stats.ByStatus[models.WorkflowStatusPending])
	assert.Equal(t, 1, stats.ByStatus[models.WorkflowStatusRunning])

	empty, err := tr.GetProjectStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Executions)
}

func TestTracker_Delete(t *testing.T) {
	tr := newTestTracker(t)
	createExecution(t, tr, "wf-1", 1)

	require.NoError(t, tr.Delete(t.Context(), "wf-1"))

	_, err := tr.Get(t.Context(), "wf-1")
	assert.True(t, persistence.IsNotFound(err))
}
