package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/mocks"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	ticks atomic.Int32
}

func (r *countingRunner) Tick(context.Context, time.Time) (int, error) {
	r.ticks.Add(1)

	return 1, nil
}

func TestScheduler_AnnouncesDueDatesOnce(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	soon := now.Add(2 * time.Hour)
	later := now.Add(72 * time.Hour)

	require.NoError(t, p.TaskRepository().Create(ctx, testutil.CreateTestTask("p1", testutil.WithSequence(1), func(task *models.Task) { task.DueDate = &soon })))
	require.NoError(t, p.TaskRepository().Create(ctx, testutil.CreateTestTask("p1", testutil.WithSequence(2), func(task *models.Task) { task.DueDate = &later })))
	require.NoError(t, p.TaskRepository().Create(ctx, testutil.CreateTestTask("p1", testutil.WithSequence(3),
		testutil.WithStatus(models.TaskStatusDone), func(task *models.Task) { task.DueDate = &soon })))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "p1#1", mock.MatchedBy(func(e *events.TaskDueDateApproaching) bool {
		return e.Task.Sequence == 1 && e.HoursUntil > 1.9 && e.HoursUntil <= 2
	})).Return(nil).Once()

	s := New(&countingRunner{}, p.TaskRepository(), bus, log.Discard())

	count, err := s.AnnounceDueDates(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.AnnounceDueDates(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)

	bus.AssertExpectations(t)
}

func TestScheduler_RescheduledDueDateIsAnnouncedAgain(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)
	due := now.Add(time.Hour)

	task := testutil.CreateTestTask("p1", testutil.WithSequence(1), func(task *models.Task) { task.DueDate = &due })
	require.NoError(t, p.TaskRepository().Create(ctx, task))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "p1#1", mock.AnythingOfType("*events.TaskDueDateApproaching")).Return(nil).Twice()

	s := New(&countingRunner{}, p.TaskRepository(), bus, log.Discard(), WithDueWindow(3*time.Hour))

	_, err := s.AnnounceDueDates(ctx, now)
	require.NoError(t, err)

	moved := now.Add(2 * time.Hour)
	task.DueDate = &moved
	require.NoError(t, p.TaskRepository().Update(ctx, task))

	count, err := s.AnnounceDueDates(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	bus.AssertExpectations(t)
}

func TestScheduler_RunOnce(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	runner := &countingRunner{}

	s := New(runner, p.TaskRepository(), nil, log.Discard())

	result, err := s.RunOnce(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Result{Started: 1}, result)
	assert.Equal(t, int32(1), runner.ticks.Load())
}

func TestScheduler_StartTicks(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	runner := &countingRunner{}

	s := New(runner, p.TaskRepository(), nil, log.Discard(), WithSpec("@every 1s"))
	require.NoError(t, s.Start(t.Context()))

	assert.Eventually(t, func() bool { return runner.ticks.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(t.Context()))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	p := file.NewPersistence(t.TempDir())

	s := New(&countingRunner{}, p.TaskRepository(), nil, log.Discard(), WithSpec("not a spec"))
	assert.Error(t, s.Start(t.Context()))
}
