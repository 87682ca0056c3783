package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/taskflow/pkg/history"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[models.TaskStatus][]models.TaskStatus{
		models.TaskStatusTodo:          {models.TaskStatusInProgress, models.TaskStatusDone, models.TaskStatusBlocked},
		models.TaskStatusInProgress:    {models.TaskStatusNeedsApproval, models.TaskStatusInReview, models.TaskStatusBlocked, models.TaskStatusTodo},
		models.TaskStatusNeedsApproval: {models.TaskStatusInProgress, models.TaskStatusTodo},
		models.TaskStatusInReview:      {models.TaskStatusDone, models.TaskStatusInProgress, models.TaskStatusBlocked},
		models.TaskStatusDone:          {models.TaskStatusInProgress, models.TaskStatusBlocked},
		models.TaskStatusBlocked:       {models.TaskStatusTodo},
	}

	for _, from := range models.TaskStatuses {
		for _, to := range models.TaskStatuses {
			want := false

			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}

			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	allowed := AllowedTransitions(models.TaskStatusBlocked)
	allowed[0] = models.TaskStatusDone

	assert.Equal(t, []models.TaskStatus{models.TaskStatusTodo}, AllowedTransitions(models.TaskStatusBlocked))
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []models.TaskKey
}

func (f *fakeCanceller) Cancel(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, task.Key())

	return nil
}

type fixture struct {
	machine   *Machine
	tasks     persistence.TaskRepository
	history   *history.Service
	canceller *fakeCanceller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	hist := history.NewService(p.TaskHistoryRepository(), log.Discard())
	canceller := &fakeCanceller{}

	return &fixture{
		machine:   NewMachine(p.TaskRepository(), hist, canceller, log.Discard()),
		tasks:     p.TaskRepository(),
		history:   hist,
		canceller: canceller,
	}
}

func (f *fixture) createTask(t *testing.T, status models.TaskStatus) *models.Task {
	t.Helper()

	task := testutil.CreateTestTask("p1", testutil.WithStatus(status))
	require.NoError(t, f.tasks.Create(t.Context(), task))

	return task
}

func TestMachine_TransitionStampsTimes(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	started, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInProgress, Options{})
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	assert.Nil(t, started.CompletedAt)

	_, err = f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInReview, Options{})
	require.NoError(t, err)

	done, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusDone, Options{})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	stored, err := f.tasks.GetByKey(t.Context(), "p1", task.Sequence)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, stored.Status)

	entry, err := f.history.LatestByEventType(t.Context(), task.Key(), models.HistoryStatusChanged)
	require.NoError(t, err)
	assert.Equal(t, "in_review", entry.EventData["previousStatus"])
	assert.Equal(t, "done", entry.EventData["newStatus"])
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	_, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInReview, Options{})
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	var rejection *InvalidTransitionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, models.TaskStatusTodo, rejection.From)
	assert.Equal(t, models.TaskStatusInReview, rejection.To)

	stored, err := f.tasks.GetByKey(t.Context(), "p1", task.Sequence)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, stored.Status)

	entry, err := f.history.LatestByEventType(t.Context(), task.Key(), models.HistoryTransitionRejected)
	require.NoError(t, err)
	assert.Equal(t, "in_review", entry.EventData["requestedStatus"])

	_, err = f.history.LatestByEventType(t.Context(), task.Key(), models.HistoryStatusChanged)
	assert.True(t, persistence.IsNotFound(err))
}

func TestMachine_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	_, err := f.machine.Transition(t.Context(), task.Key(), "archived", Options{})
	assert.True(t, models.IsValidationError(err))
}

func TestMachine_BlockAndUnblock(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusInProgress)
	blocker := "task-9"

	blocked, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusBlocked, Options{
		Reason:          "waiting on credentials",
		BlockedByTaskID: &blocker,
	})
	require.NoError(t, err)
	assert.Equal(t, "waiting on credentials", blocked.BlockedReason)
	require.NotNil(t, blocked.BlockedByTaskID)
	assert.Equal(t, []models.TaskKey{task.Key()}, f.canceller.cancelled)

	unblocked, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusTodo, Options{})
	require.NoError(t, err)
	assert.Nil(t, unblocked.BlockedByTaskID)
	assert.Empty(t, unblocked.BlockedReason)
}

func TestMachine_ReopenClearsCompletion(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	_, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusDone, Options{})
	require.NoError(t, err)

	reopened, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInProgress, Options{})
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)
	assert.NotNil(t, reopened.StartedAt)
}

func TestMachine_StaleExpectedStatusIsRejected(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	var wins atomic.Int32

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.machine.Transition(context.Background(), task.Key(), models.TaskStatusInProgress, Options{
				ExpectedFrom: models.TaskStatusTodo,
			})
			if err == nil {
				wins.Add(1)

				return
			}

			assert.True(t, IsInvalidTransition(err))
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMachine_ListenersSeeChanges(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	var changes []Change

	f.machine.OnChange(func(_ context.Context, change Change) {
		changes = append(changes, change)
	})

	_, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInProgress, Options{Actor: "agent"})
	require.NoError(t, err)

	_, err = f.machine.Transition(t.Context(), task.Key(), models.TaskStatusDone, Options{})
	require.Error(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, models.TaskStatusTodo, changes[0].From)
	assert.Equal(t, models.TaskStatusInProgress, changes[0].To)
	assert.Equal(t, "agent", changes[0].Actor)
}

func TestMachine_DeletedTaskIsNotFound(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	require.NoError(t, f.tasks.SoftDelete(t.Context(), "p1", task.Sequence))

	_, err := f.machine.Transition(t.Context(), task.Key(), models.TaskStatusInProgress, Options{})
	assert.True(t, persistence.IsNotFound(err))
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("a")
	unlock()

	assert.Empty(t, k.locks)
}

// editingTasks commits a definition edit right before the first write of the machine.
type editingTasks struct {
	persistence.TaskRepository
	once sync.Once
}

func (r *editingTasks) Update(ctx context.Context, task *models.Task) error {
	r.once.Do(func() {
		stored, err := r.TaskRepository.GetByKey(ctx, task.ProjectID, task.Sequence)
		if err == nil {
			stored.Title = "edited"
			_ = r.TaskRepository.Update(ctx, stored)
		}
	})

	return r.TaskRepository.Update(ctx, task)
}

func TestMachine_RetriesAfterConcurrentEdit(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, models.TaskStatusTodo)

	machine := NewMachine(&editingTasks{TaskRepository: f.tasks}, f.history, nil, log.Discard())

	moved, err := machine.Transition(t.Context(), task.Key(), models.TaskStatusInProgress, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, moved.Status)

	stored, err := f.tasks.GetByKey(t.Context(), "p1", task.Sequence)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Title)
	assert.Equal(t, models.TaskStatusInProgress, stored.Status)
	assert.Equal(t, int64(3), stored.Version)
}
