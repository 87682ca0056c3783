package trigger

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencySatisfied(t *testing.T) {
	statuses := map[int]models.TaskStatus{
		1: models.TaskStatusDone,
		2: models.TaskStatusInProgress,
		3: models.TaskStatusBlocked,
		4: models.TaskStatusDone,
	}

	tests := []struct {
		name   string
		clause *models.DependencyClause
		want   bool
	}{
		{"all done", &models.DependencyClause{TaskSequences: []int{1, 4}, Operator: models.OperatorAll}, true},
		{"all default operator", &models.DependencyClause{TaskSequences: []int{1, 2}}, false},
		{"any with one done", &models.DependencyClause{TaskSequences: []int{2, 4}, Operator: models.OperatorAny}, true},
		{"any with none done", &models.DependencyClause{TaskSequences: []int{2, 3}, Operator: models.OperatorAny}, false},
		{"blocked is not done", &models.DependencyClause{TaskSequences: []int{3}}, false},
		{"missing is not done", &models.DependencyClause{TaskSequences: []int{1, 99}}, false},
		{"empty clause", &models.DependencyClause{}, false},
		{"nil clause", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DependencySatisfied(tt.clause, statuses))
		})
	}
}

type env struct {
	tasks     persistence.TaskRepository
	evaluator *Evaluator
	edges     *MemoryEdgeStore
	now       time.Time
}

func newEnv(t *testing.T, combine models.CombineMode) *env {
	t.Helper()

	repo := file.NewPersistence(t.TempDir()).TaskRepository()
	edges := NewMemoryEdgeStore()
	e := &env{
		tasks:     repo,
		evaluator: NewEvaluator(repo, edges, combine, log.Discard()),
		edges:     edges,
		now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	e.evaluator.now = func() time.Time { return e.now }

	return e
}

func (e *env) seed(t *testing.T, tasks ...*models.Task) {
	t.Helper()

	for _, task := range tasks {
		require.NoError(t, e.tasks.Create(t.Context(), task))
	}
}

func (e *env) setStatus(t *testing.T, seq int, status models.TaskStatus) {
	t.Helper()

	task, err := e.tasks.GetByKey(t.Context(), "p1", seq)
	require.NoError(t, err)

	task.Status = status
	require.NoError(t, e.tasks.Update(t.Context(), task))
}

func sequences(candidates []Candidate) []int {
	seqs := make([]int, 0, len(candidates))
	for _, c := range candidates {
		seqs = append(seqs, c.Task.Sequence)
	}

	return seqs
}

func TestCandidates_AllOperator(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2)),
		testutil.CreateTestTask("p1", testutil.WithSequence(3),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1, 2)),
	)

	e.setStatus(t, 1, models.TaskStatusDone)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	e.setStatus(t, 2, models.TaskStatusDone)

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 2)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 3, candidates[0].Task.Sequence)
	assert.Equal(t, CauseDependency, candidates[0].Cause)
}

func TestCandidates_AnyOperator(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2)),
		testutil.CreateTestTask("p1", testutil.WithSequence(3),
			testutil.WithDependencyTrigger(models.OperatorAny, models.PolicyOnce, 1, 2)),
	)

	e.setStatus(t, 2, models.TaskStatusDone)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, sequences(candidates))
}

func TestCandidates_OncePolicyOnlyFromTodo(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1), testutil.WithStatus(models.TaskStatusDone)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2), testutil.WithStatus(models.TaskStatusInProgress),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1)),
	)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestCandidates_RepeatPolicyFiresOnRisingEdge(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2), testutil.WithStatus(models.TaskStatusDone),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyRepeat, 1)),
	)

	e.setStatus(t, 1, models.TaskStatusDone)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	require.Equal(t, []int{2}, sequences(candidates), "first true observation is an edge")
	e.evaluator.Consume(candidates[0])

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, candidates, "level stays true")

	e.setStatus(t, 1, models.TaskStatusInProgress)
	require.NoError(t, e.evaluator.Settle(t.Context(), "p1", 1))

	e.setStatus(t, 1, models.TaskStatusDone)

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sequences(candidates), "fires again after falling")
}

func TestCandidates_RepeatRiseSurvivesUntilConsumed(t *testing.T) {
	e := newEnv(t, models.CombineAny)

	dependent := testutil.CreateTestTask("p1", testutil.WithSequence(2),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyRepeat, 1))
	dependent.IsPaused = true

	e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1), testutil.WithStatus(models.TaskStatusDone)), dependent)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, candidates, "paused tasks are skipped")

	stored, err := e.tasks.GetByKey(t.Context(), "p1", 2)
	require.NoError(t, err)

	stored.IsPaused = false
	require.NoError(t, e.tasks.Update(t.Context(), stored))

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sequences(candidates), "the rise was kept while paused")

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sequences(candidates), "a rise that did not start the task stays pending")
}

func TestSettle_OnlyRearmsClausesThatFell(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1), testutil.WithStatus(models.TaskStatusDone)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2), testutil.WithStatus(models.TaskStatusDone)),
		testutil.CreateTestTask("p1", testutil.WithSequence(3),
			testutil.WithDependencyTrigger(models.OperatorAny, models.PolicyRepeat, 1, 2)),
	)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	e.evaluator.Consume(candidates[0])

	e.setStatus(t, 1, models.TaskStatusInProgress)
	require.NoError(t, e.evaluator.Settle(t.Context(), "p1", 1))

	e.setStatus(t, 1, models.TaskStatusDone)

	candidates, err = e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, candidates, "task 2 kept the any clause true")
}

func TestCandidates_SkipsTasksThatCannotAutoStart(t *testing.T) {
	e := newEnv(t, models.CombineAny)

	paused := testutil.CreateTestTask("p1", testutil.WithSequence(2),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))
	paused.IsPaused = true

	subdivided := testutil.CreateTestTask("p1", testutil.WithSequence(3),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))
	subdivided.IsSubdivided = true

	e.seed(t,
		testutil.CreateTestTask("p1", testutil.WithSequence(1), testutil.WithStatus(models.TaskStatusDone)),
		paused,
		subdivided,
		testutil.CreateTestTask("p1", testutil.WithSequence(4),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1)),
	)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, sequences(candidates))
}

func TestCandidates_OrderedByExecutionOrder(t *testing.T) {
	e := newEnv(t, models.CombineAny)

	late := testutil.CreateTestTask("p1", testutil.WithSequence(2),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))
	late.ExecutionOrder = 5

	early := testutil.CreateTestTask("p1", testutil.WithSequence(3),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))
	early.ExecutionOrder = 1

	e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1), testutil.WithStatus(models.TaskStatusDone)), late, early)

	candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, sequences(candidates))
}

func TestDueSchedules_Once(t *testing.T) {
	e := newEnv(t, models.CombineAny)
	at := e.now.Add(time.Hour)

	e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1),
		testutil.WithSchedule(&models.ScheduleClause{Kind: models.ScheduleOnce, At: &at})))

	due, err := e.evaluator.DueSchedules(t.Context(), e.now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = e.evaluator.DueSchedules(t.Context(), at)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, CauseSchedule, due[0].Cause)

	due, err = e.evaluator.DueSchedules(t.Context(), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1, "stays due until started")

	e.evaluator.Consume(due[0])

	due, err = e.evaluator.DueSchedules(t.Context(), at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due, "one-shot schedules fire once")
}

func TestDueSchedules_RecurringInTimezone(t *testing.T) {
	e := newEnv(t, models.CombineAny)

	task := testutil.CreateTestTask("p1", testutil.WithSequence(1),
		testutil.WithSchedule(&models.ScheduleClause{
			Kind:     models.ScheduleRecurring,
			Cron:     "0 9 * * *",
			Timezone: "America/Sao_Paulo",
		}))
	task.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e.seed(t, task)

	// 09:00 in Sao Paulo is 12:00 UTC.
	due, err := e.evaluator.DueSchedules(t.Context(), time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = e.evaluator.DueSchedules(t.Context(), time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	due, err = e.evaluator.DueSchedules(t.Context(), time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, due, "tick already consumed")

	due, err = e.evaluator.DueSchedules(t.Context(), time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCombineModes(t *testing.T) {
	past := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	build := func(combine models.CombineMode) *models.Task {
		task := testutil.CreateTestTask("p1", testutil.WithSequence(2),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1),
			testutil.WithSchedule(&models.ScheduleClause{Kind: models.ScheduleOnce, At: &past}))
		task.TriggerConfig.Combine = combine

		return task
	}

	t.Run("any fires on schedule alone", func(t *testing.T) {
		e := newEnv(t, models.CombineAny)
		e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1)), build(""))

		due, err := e.evaluator.DueSchedules(t.Context(), e.now)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, sequences(due))
	})

	t.Run("all waits for dependency", func(t *testing.T) {
		e := newEnv(t, models.CombineAll)
		e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1)), build(""))

		due, err := e.evaluator.DueSchedules(t.Context(), e.now)
		require.NoError(t, err)
		assert.Empty(t, due)

		e.setStatus(t, 1, models.TaskStatusDone)

		candidates, err := e.evaluator.Candidates(t.Context(), "p1", 1)
		require.NoError(t, err)
		require.Equal(t, []int{2}, sequences(candidates))
		assert.False(t, e.edges.Fired(models.TaskKey{ProjectID: "p1", Sequence: 2}))

		e.evaluator.Consume(candidates[0])
		assert.True(t, e.edges.Fired(models.TaskKey{ProjectID: "p1", Sequence: 2}))
	})

	t.Run("per task override wins", func(t *testing.T) {
		e := newEnv(t, models.CombineAny)
		e.seed(t, testutil.CreateTestTask("p1", testutil.WithSequence(1)), build(models.CombineAll))

		due, err := e.evaluator.DueSchedules(t.Context(), e.now)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestDetectCycle(t *testing.T) {
	assert.Nil(t, DetectCycle(Graph{1: nil, 2: {1}, 3: {1, 2}}))
	assert.Equal(t, []int{1, 2, 3, 1}, DetectCycle(Graph{1: {2}, 2: {3}, 3: {1}}))
	assert.Equal(t, []int{4, 4}, DetectCycle(Graph{4: {4}}))
}

func TestValidateEdges(t *testing.T) {
	others := []*models.Task{
		testutil.CreateTestTask("p1", testutil.WithSequence(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2), testutil.WithDependencies(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(3),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 2)),
	}

	t.Run("accepts a forward edge", func(t *testing.T) {
		task := testutil.CreateTestTask("p1", testutil.WithSequence(4), testutil.WithDependencies(3))
		assert.NoError(t, ValidateEdges(task, others))
	})

	t.Run("rejects a closing edge", func(t *testing.T) {
		task := testutil.CreateTestTask("p1", testutil.WithSequence(1),
			testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 3))

		err := ValidateEdges(task, others)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrDependencyCycle)
		assert.True(t, models.IsValidationError(err))
	})

	t.Run("rejects unknown reference", func(t *testing.T) {
		task := testutil.CreateTestTask("p1", testutil.WithSequence(4), testutil.WithDependencies(42))
		err := ValidateEdges(task, others)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrDependencyCycle)
		assert.True(t, models.IsValidationError(err))
	})
}

func TestValidateNext(t *testing.T) {
	tasks := []*models.Task{
		testutil.CreateTestTask("p1", testutil.WithSequence(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(2), testutil.WithDependencies(1)),
		testutil.CreateTestTask("p1", testutil.WithSequence(3)),
	}

	assert.NoError(t, ValidateNext(2, []int{3}, tasks))
	assert.ErrorIs(t, ValidateNext(2, []int{1}, tasks), ErrDependencyCycle)
	assert.True(t, models.IsValidationError(ValidateNext(2, []int{9}, tasks)))
	assert.True(t, models.IsValidationError(ValidateNext(2, []int{2}, tasks)))
}

func TestMemoryEdgeStore_Forget(t *testing.T) {
	store := NewMemoryEdgeStore()
	key := models.TaskKey{ProjectID: "p1", Sequence: 1}

	assert.True(t, store.Observe(key, true))
	store.Consume(key)
	assert.False(t, store.Observe(key, true))

	store.MarkFired(key)
	store.Forget(key)

	assert.False(t, store.Fired(key))
	assert.True(t, store.Observe(key, true))
}
