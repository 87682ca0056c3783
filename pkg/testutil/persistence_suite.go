package testutil

import (
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite exercises the repository contract against any Persistence implementation.
// newPersistence must return an empty store.
func RunPersistenceSuite(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("task sequences are allocated per project", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()
		ctx := t.Context()

		for range 3 {
			require.NoError(t, repo.Create(ctx, CreateTestTask("p1")))
		}

		other := CreateTestTask("p2")
		require.NoError(t, repo.Create(ctx, other))
		assert.Equal(t, 1, other.Sequence)

		err := repo.Create(ctx, CreateTestTask("p1", WithSequence(2)))
		assert.True(t, persistence.IsAlreadyExists(err))

		require.NoError(t, repo.SoftDelete(ctx, "p1", 3))

		next := CreateTestTask("p1")
		require.NoError(t, repo.Create(ctx, next))
		assert.Equal(t, 4, next.Sequence)

		tasks, err := repo.ListByProject(ctx, "p1")
		require.NoError(t, err)

		seqs := make([]int, 0, len(tasks))
		for _, task := range tasks {
			seqs = append(seqs, task.Sequence)
		}

		assert.Equal(t, []int{1, 2, 4}, seqs)

		deleted, err := repo.GetByKey(ctx, "p1", 3)
		require.NoError(t, err)
		assert.True(t, deleted.IsDeleted())
	})

	t.Run("missing task is not found", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()

		_, err := repo.GetByKey(t.Context(), "p1", 42)
		assert.True(t, persistence.IsNotFound(err))

		err = repo.Update(t.Context(), CreateTestTask("p1", WithSequence(42)))
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("task update round trips trigger config", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()
		ctx := t.Context()

		task := CreateTestTask("p1", WithDependencyTrigger(models.OperatorAny, models.PolicyRepeat, 7, 8))
		require.NoError(t, repo.Create(ctx, task))

		task.Status = models.TaskStatusBlocked
		task.BlockedReason = "waiting"
		require.NoError(t, repo.Update(ctx, task))

		stored, err := repo.GetByKey(ctx, "p1", task.Sequence)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusBlocked, stored.Status)
		assert.Equal(t, "waiting", stored.BlockedReason)
		require.NotNil(t, stored.TriggerConfig)
		require.NotNil(t, stored.TriggerConfig.Dependency)
		assert.Equal(t, []int{7, 8}, stored.TriggerConfig.Dependency.TaskSequences)
		assert.Equal(t, models.PolicyRepeat, stored.TriggerConfig.Dependency.Policy)
	})

	t.Run("task updates use optimistic versions", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()
		ctx := t.Context()

		task := CreateTestTask("p1")
		require.NoError(t, repo.Create(ctx, task))
		assert.Equal(t, int64(1), task.Version)

		stale, err := repo.GetByKey(ctx, "p1", task.Sequence)
		require.NoError(t, err)

		task.Status = models.TaskStatusInProgress
		require.NoError(t, repo.Update(ctx, task))
		assert.Equal(t, int64(2), task.Version)

		stale.Title = "renamed"
		err = repo.Update(ctx, stale)
		assert.True(t, persistence.IsConflict(err))

		stored, err := repo.GetByKey(ctx, "p1", task.Sequence)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusInProgress, stored.Status)
		assert.Equal(t, task.Title, stored.Title)

		require.NoError(t, repo.SoftDelete(ctx, "p1", task.Sequence))

		err = repo.Update(ctx, task)
		assert.True(t, persistence.IsConflict(err))
	})

	t.Run("dependents include trigger and control-flow references", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()
		ctx := t.Context()

		require.NoError(t, repo.Create(ctx, CreateTestTask("p1")))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", WithDependencies(1))))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", WithDependencies(2))))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p2", WithDependencies(1))))

		dependents, err := repo.ListDependents(ctx, "p1", 1)
		require.NoError(t, err)
		require.Len(t, dependents, 2)
		assert.Equal(t, 2, dependents[0].Sequence)
		assert.Equal(t, 3, dependents[1].Sequence)
	})

	t.Run("scheduled and due tasks", func(t *testing.T) {
		repo := newPersistence(t).TaskRepository()
		ctx := t.Context()
		now := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", WithSchedule(&models.ScheduleClause{Kind: models.ScheduleRecurring, Cron: "0 9 * * *"}))))

		soon := now.Add(2 * time.Hour)
		late := now.Add(72 * time.Hour)
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", func(task *models.Task) { task.DueDate = &soon })))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", func(task *models.Task) { task.DueDate = &late })))
		require.NoError(t, repo.Create(ctx, CreateTestTask("p1", WithStatus(models.TaskStatusDone), func(task *models.Task) { task.DueDate = &soon })))

		scheduled, err := repo.ListScheduled(ctx)
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, 1, scheduled[0].Sequence)

		due, err := repo.ListDueBetween(ctx, now, now.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 2, due[0].Sequence)
	})

	t.Run("workflow executions use optimistic versions", func(t *testing.T) {
		repo := newPersistence(t).WorkflowExecutionRepository()
		ctx := t.Context()

		execution := CreateTestWorkflowExecution("p1", 3)
		require.NoError(t, repo.Create(ctx, execution))
		assert.Equal(t, int64(1), execution.Version)

		duplicate := CreateTestWorkflowExecution("p1", 1)
		duplicate.WorkflowID = execution.WorkflowID

		err := repo.Create(ctx, duplicate)
		assert.True(t, persistence.IsAlreadyExists(err))

		first, err := repo.GetByID(ctx, execution.WorkflowID)
		require.NoError(t, err)

		second, err := repo.GetByID(ctx, execution.WorkflowID)
		require.NoError(t, err)

		first.CompletedTasks = 1
		require.NoError(t, repo.Update(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		second.FailedTasks = 1
		assert.True(t, persistence.IsConflict(repo.Update(ctx, second)))

		stored, err := repo.GetByID(ctx, execution.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.CompletedTasks)
		assert.Equal(t, 0, stored.FailedTasks)

		listed, err := repo.ListByProject(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, listed, 1)

		require.NoError(t, repo.Delete(ctx, execution.WorkflowID))

		_, err = repo.GetByID(ctx, execution.WorkflowID)
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("checkpoints are listed oldest first", func(t *testing.T) {
		repo := newPersistence(t).CheckpointRepository()
		ctx := t.Context()
		base := time.Now().Add(-time.Hour)

		late := CreateTestCheckpoint("wf-1", 2, base)
		early := CreateTestCheckpoint("wf-1", 0, base.Add(time.Minute))
		middle := CreateTestCheckpoint("wf-1", 1, base.Add(2*time.Minute))

		for _, cp := range []*models.WorkflowCheckpoint{late, early, middle, CreateTestCheckpoint("wf-2", 5, base)} {
			require.NoError(t, repo.Create(ctx, cp))
		}

		listed, err := repo.ListByWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, early.CheckpointID, listed[0].CheckpointID)
		assert.Equal(t, middle.CheckpointID, listed[1].CheckpointID)
		assert.Equal(t, late.CheckpointID, listed[2].CheckpointID)

		got, err := repo.GetByID(ctx, middle.CheckpointID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.StageIndex)

		require.NoError(t, repo.Delete(ctx, middle.CheckpointID))

		_, err = repo.GetByID(ctx, middle.CheckpointID)
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("enabled rules include global rules", func(t *testing.T) {
		repo := newPersistence(t).AutomationRuleRepository()
		ctx := t.Context()
		trigger := models.RuleTrigger{Type: models.RuleTriggerTaskCreated}

		global := CreateTestRule(nil, trigger)
		scoped := CreateTestRule(StringPtr("p1"), trigger)
		otherProject := CreateTestRule(StringPtr("p2"), trigger)
		disabled := CreateTestRule(StringPtr("p1"), trigger)
		disabled.Enabled = false

		for _, rule := range []*models.AutomationRule{global, scoped, otherProject, disabled} {
			require.NoError(t, repo.Create(ctx, rule))
		}

		rules, err := repo.FindEnabled(ctx, "p1")
		require.NoError(t, err)

		ids := make([]string, 0, len(rules))
		for _, rule := range rules {
			ids = append(ids, rule.RuleID)
		}

		assert.ElementsMatch(t, []string{global.RuleID, scoped.RuleID}, ids)

		executedAt := time.Now().UTC()
		require.NoError(t, repo.IncrementExecutionCount(ctx, scoped.RuleID, executedAt))
		require.NoError(t, repo.IncrementExecutionCount(ctx, scoped.RuleID, executedAt))

		stored, err := repo.GetByID(ctx, scoped.RuleID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.ExecutionCount)
		require.NotNil(t, stored.LastExecutedAt)
		assert.WithinDuration(t, executedAt, *stored.LastExecutedAt, time.Second)

		assert.True(t, persistence.IsNotFound(repo.Delete(ctx, "missing")))
	})

	t.Run("history is append only and ordered", func(t *testing.T) {
		repo := newPersistence(t).TaskHistoryRepository()
		ctx := t.Context()

		events := []models.HistoryEventType{
			models.HistoryStatusChanged,
			models.HistoryExecutionStarted,
			models.HistoryStatusChanged,
		}

		var lastID int64

		for i, eventType := range events {
			entry := &models.TaskHistoryEntry{
				ProjectID:    "p1",
				TaskSequence: 1,
				EventType:    eventType,
				EventData:    map[string]any{"step": float64(i)},
				CreatedAt:    time.Now().UTC(),
			}
			require.NoError(t, repo.Append(ctx, entry))
			assert.Greater(t, entry.ID, lastID)
			lastID = entry.ID
		}

		require.NoError(t, repo.Append(ctx, &models.TaskHistoryEntry{
			ProjectID: "p1", TaskSequence: 2, EventType: models.HistoryPaused, CreatedAt: time.Now().UTC(),
		}))

		all, err := repo.ListByTask(ctx, "p1", 1, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		recent, err := repo.ListByTask(ctx, "p1", 1, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, models.HistoryExecutionStarted, recent[0].EventType)
		assert.Equal(t, models.HistoryStatusChanged, recent[1].EventType)

		latest, err := repo.LatestByEventType(ctx, "p1", 1, models.HistoryStatusChanged)
		require.NoError(t, err)
		assert.Equal(t, lastID, latest.ID)
		assert.InDelta(t, 2.0, latest.EventData["step"], 0)

		_, err = repo.LatestByEventType(ctx, "p1", 1, models.HistoryStopped)
		assert.True(t, persistence.IsNotFound(err))
	})
}
