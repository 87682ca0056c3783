package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/checkpoint"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/history"
	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/lock"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/dukex/taskflow/pkg/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu        sync.Mutex
	started   []models.TaskKey
	cancelled []string
	failStart error
}

func (e *fakeEngine) Start(_ context.Context, task *models.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failStart != nil {
		return e.failStart
	}

	e.started = append(e.started, task.Key())

	return nil
}

func (e *fakeEngine) Cancel(_ context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled = append(e.cancelled, taskID)

	return nil
}

func (e *fakeEngine) Started() []models.TaskKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]models.TaskKey(nil), e.started...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) OfType(eventType events.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []eventbus.Event

	for _, e := range p.events {
		if e.GetType() == eventType {
			out = append(out, e)
		}
	}

	return out
}

type harness struct {
	orchestrator *Orchestrator
	persistence  persistence.Persistence
	history      *history.Service
	tracker      *tracker.Tracker
	checkpoints  *checkpoint.Manager
	engine       *fakeEngine
	publisher    *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := log.Discard()
	p := file.NewPersistence(t.TempDir())
	publisher := &recordingPublisher{}
	hist := history.NewService(p.TaskHistoryRepository(), logger)
	machine := lifecycle.NewMachine(p.TaskRepository(), hist, nil, logger)
	engine := &fakeEngine{}

	h := &harness{
		persistence: p,
		history:     hist,
		tracker:     tracker.New(p.WorkflowExecutionRepository(), publisher, nil, logger),
		checkpoints: checkpoint.NewManager(p.CheckpointRepository(), logger),
		engine:      engine,
		publisher:   publisher,
	}

	h.orchestrator = New(Deps{
		Tasks:       p.TaskRepository(),
		Machine:     machine,
		Evaluator:   trigger.NewEvaluator(p.TaskRepository(), trigger.NewMemoryEdgeStore(), models.CombineAny, logger),
		History:     hist,
		Tracker:     h.tracker,
		Checkpoints: h.checkpoints,
		Engine:      engine,
		Locker:      lock.NewMemory(),
		Publisher:   publisher,
		Logger:      logger,
	})

	return h
}

func (h *harness) addTask(t *testing.T, seq int, overrides ...func(*models.Task)) *models.Task {
	t.Helper()

	task := testutil.CreateTestTask("p1", append([]func(*models.Task){testutil.WithSequence(seq)}, overrides...)...)
	require.NoError(t, h.persistence.TaskRepository().Create(t.Context(), task))

	return task
}

func (h *harness) task(t *testing.T, seq int) *models.Task {
	t.Helper()

	task, err := h.persistence.TaskRepository().GetByKey(t.Context(), "p1", seq)
	require.NoError(t, err)

	return task
}

func (h *harness) historyTypes(t *testing.T, seq int) []models.HistoryEventType {
	t.Helper()

	entries, err := h.history.ListByTask(t.Context(), models.TaskKey{ProjectID: "p1", Sequence: seq}, 0)
	require.NoError(t, err)

	types := make([]models.HistoryEventType, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.EventType)
	}

	return types
}

func asScript(t *models.Task) {
	t.TaskType = models.TaskTypeScript
}

func key(seq int) models.TaskKey {
	return models.TaskKey{ProjectID: "p1", Sequence: seq}
}

func TestOrchestrator_DependencyChain(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	t1 := h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

	started, err := h.orchestrator.Dispatch(ctx, t1, "manual", "")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, models.TaskStatusInProgress, h.task(t, 1).Status)
	assert.True(t, h.orchestrator.InFlight(key(1)))

	done, err := h.orchestrator.ReportOutcome(ctx, key(1), Outcome{Output: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.False(t, h.orchestrator.InFlight(key(1)))

	assert.Equal(t, []models.TaskKey{key(1), key(2)}, h.engine.Started())
	assert.Equal(t, models.TaskStatusInProgress, h.task(t, 2).Status)

	assert.Equal(t, []models.HistoryEventType{
		models.HistoryStatusChanged,
		models.HistoryExecutionStarted,
		models.HistoryStatusChanged,
		models.HistoryExecutionCompleted,
		models.HistoryStatusChanged,
	}, h.historyTypes(t, 1))

	changes := h.publisher.OfType(events.TaskStatusChangedEvent)
	require.NotEmpty(t, changes)
	first := changes[0].(*events.TaskStatusChanged)
	assert.Equal(t, models.TaskStatusTodo, first.PreviousStatus)
	assert.Equal(t, ActorTrigger, first.Actor)

	assert.Len(t, h.publisher.OfType(events.TaskDispatchedEvent), 2)
	assert.Empty(t, h.publisher.OfType(events.ProjectCompletedEvent))
}

func TestOrchestrator_ManualDoneStartsDependents(t *testing.T) {
	h := newHarness(t)

	h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

	_, err := h.orchestrator.Transition(t.Context(), key(1), models.TaskStatusDone, lifecycle.Options{Actor: "user:1"})
	require.NoError(t, err)

	assert.Equal(t, []models.TaskKey{key(2)}, h.engine.Started())
}

func TestOrchestrator_InReviewDoesNotTrigger(t *testing.T) {
	h := newHarness(t)

	t1 := h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

	_, err := h.orchestrator.Dispatch(t.Context(), t1, "manual", "")
	require.NoError(t, err)

	task, err := h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{Status: models.TaskStatusInReview})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInReview, task.Status)
	assert.Len(t, h.engine.Started(), 1)
}

func TestOrchestrator_FailureBlocksTask(t *testing.T) {
	h := newHarness(t)

	t1 := h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

	_, err := h.orchestrator.Dispatch(t.Context(), t1, "manual", "")
	require.NoError(t, err)

	task, err := h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{Error: "model timeout"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, task.Status)
	assert.Equal(t, "model timeout", task.BlockedReason)
	assert.Contains(t, h.historyTypes(t, 1), models.HistoryExecutionFailed)
	assert.Len(t, h.engine.Started(), 1)
	// the run had already ended; blocking must not cancel anything
	assert.Empty(t, h.engine.cancelled)
}

func TestOrchestrator_RejectsInvalidOutcome(t *testing.T) {
	h := newHarness(t)
	h.addTask(t, 1)

	_, err := h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{Status: models.TaskStatusBlocked})
	assert.True(t, models.IsValidationError(err))

	_, err = h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{})
	assert.True(t, lifecycle.IsInvalidTransition(err))
	assert.Contains(t, h.historyTypes(t, 1), models.HistoryTransitionRejected)
}

func TestOrchestrator_DispatchOnlyOnce(t *testing.T) {
	h := newHarness(t)
	t1 := h.addTask(t, 1)

	started, err := h.orchestrator.Dispatch(t.Context(), t1, "manual", "")
	require.NoError(t, err)
	assert.True(t, started)

	started, err = h.orchestrator.Dispatch(t.Context(), h.task(t, 1), "manual", "")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Len(t, h.engine.Started(), 1)
}

func TestOrchestrator_DispatchFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	t1 := h.addTask(t, 1)
	h.engine.failStart = errors.New("engine unavailable")

	started, err := h.orchestrator.Dispatch(t.Context(), t1, "manual", "")
	require.Error(t, err)
	assert.False(t, started)
	assert.Equal(t, models.TaskStatusTodo, h.task(t, 1).Status)
	assert.False(t, h.orchestrator.InFlight(key(1)))

	h.engine.failStart = nil

	started, err = h.orchestrator.Dispatch(t.Context(), h.task(t, 1), "manual", "")
	require.NoError(t, err)
	assert.True(t, started)
}

func TestOrchestrator_ControlFlow(t *testing.T) {
	tests := []struct {
		name    string
		output  any
		started []models.TaskKey
	}{
		{"no directive uses dependencies", map[string]any{"result": 1}, []models.TaskKey{key(1), key(2)}},
		{"terminal stops the branch", `{"result": 1, "control": {"next": []}}`, []models.TaskKey{key(1)}},
		{"null next is terminal", map[string]any{"result": 1, "control": map[string]any{"next": nil}}, []models.TaskKey{key(1)}},
		{"explicit next overrides dependencies", map[string]any{"result": 1, "control": map[string]any{"next": []any{3}}}, []models.TaskKey{key(1), key(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			t1 := h.addTask(t, 1, asScript)
			h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))
			h.addTask(t, 3)

			_, err := h.orchestrator.Dispatch(t.Context(), t1, "manual", "")
			require.NoError(t, err)

			task, err := h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{Output: tt.output})
			require.NoError(t, err)
			assert.Equal(t, models.TaskStatusDone, task.Status)
			assert.Equal(t, tt.started, h.engine.Started())
		})
	}
}

func TestOrchestrator_InvalidControlFailsTask(t *testing.T) {
	tests := []struct {
		name   string
		output any
	}{
		{"next is not a list", map[string]any{"result": 1, "control": map[string]any{"next": "abc"}}},
		{"next names missing task", map[string]any{"result": 1, "control": map[string]any{"next": []any{42}}}},
		{"next closes a cycle", map[string]any{"result": 1, "control": map[string]any{"next": []any{2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			h.addTask(t, 1, asScript, testutil.WithDependencies(2))
			h.addTask(t, 2)
			h.addTask(t, 3, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

			_, err := h.orchestrator.Dispatch(t.Context(), h.task(t, 1), "manual", "")
			require.NoError(t, err)

			task, err := h.orchestrator.ReportOutcome(t.Context(), key(1), Outcome{Output: tt.output})
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err))
			require.NotNil(t, task)
			assert.Equal(t, models.TaskStatusBlocked, task.Status)

			entry, err := h.history.LatestByEventType(t.Context(), key(1), models.HistoryValidationFailed)
			require.NoError(t, err)
			assert.NotEmpty(t, entry.EventData["error"])
			assert.Len(t, h.engine.Started(), 1)
		})
	}
}

func TestOrchestrator_WorkflowProgressAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	t1 := h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyOnce, 1))

	_, err := h.tracker.Create(ctx, &models.WorkflowExecution{WorkflowID: "wf-1", ProjectID: "p1", TotalTasks: 2, TotalStages: 2})
	require.NoError(t, err)

	_, err = h.orchestrator.Dispatch(ctx, t1, "manual", "wf-1")
	require.NoError(t, err)

	execution, err := h.tracker.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, execution.Status)

	stage := 1
	_, err = h.orchestrator.ReportOutcome(ctx, key(1), Outcome{Cost: 0.5, Tokens: 100, Stage: &stage, Context: map[string]any{"cursor": "a"}})
	require.NoError(t, err)

	latest, err := h.checkpoints.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.StageIndex)
	assert.Equal(t, []string{"1"}, latest.CompletedTaskIDs)
	assert.Equal(t, "a", latest.Context["cursor"])

	// T2 inherits the workflow of the task that triggered it
	require.Equal(t, []models.TaskKey{key(1), key(2)}, h.engine.Started())

	stage = 2
	_, err = h.orchestrator.ReportOutcome(ctx, key(2), Outcome{Cost: 0.25, Tokens: 50, Stage: &stage})
	require.NoError(t, err)

	execution, err = h.tracker.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, execution.Status)
	assert.Equal(t, 2, execution.CompletedTasks)
	assert.Equal(t, 2, execution.CurrentStage)
	assert.InDelta(t, 0.75, execution.TotalCost, 1e-9)
	assert.Equal(t, int64(150), execution.TotalTokens)
	assert.Len(t, execution.TaskResults, 2)

	checkpoints, err := h.checkpoints.List(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)

	completed := h.publisher.OfType(events.ProjectCompletedEvent)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].(*events.ProjectCompleted).TotalTasks)
}

func TestOrchestrator_WorkflowFailsWhenATaskFails(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	t1 := h.addTask(t, 1)

	_, err := h.tracker.Create(ctx, &models.WorkflowExecution{WorkflowID: "wf-1", ProjectID: "p1", TotalTasks: 1})
	require.NoError(t, err)

	_, err = h.orchestrator.Dispatch(ctx, t1, "manual", "wf-1")
	require.NoError(t, err)

	_, err = h.orchestrator.ReportOutcome(ctx, key(1), Outcome{Error: "crashed"})
	require.NoError(t, err)

	execution, err := h.tracker.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, execution.Status)
	assert.Equal(t, 1, execution.FailedTasks)
	assert.NotEmpty(t, execution.ErrorMessage)
}

func TestOrchestrator_CancelWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	t1 := h.addTask(t, 1)
	t2 := h.addTask(t, 2)

	_, err := h.orchestrator.Dispatch(ctx, t1, "manual", "wf-1")
	require.NoError(t, err)
	_, err = h.orchestrator.Dispatch(ctx, t2, "manual", "other")
	require.NoError(t, err)

	assert.Equal(t, 1, h.orchestrator.CancelWorkflow(ctx, "wf-1", "user request"))

	assert.Equal(t, []string{t1.ID}, h.engine.cancelled)
	assert.Equal(t, models.TaskStatusBlocked, h.task(t, 1).Status)
	assert.Equal(t, models.TaskStatusInProgress, h.task(t, 2).Status)
	assert.False(t, h.orchestrator.InFlight(key(1)))
	assert.True(t, h.orchestrator.InFlight(key(2)))
	assert.Contains(t, h.historyTypes(t, 1), models.HistoryStopped)
}

func TestOrchestrator_TickStartsDueSchedules(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Add(-time.Minute)

	h.addTask(t, 1, testutil.WithSchedule(&models.ScheduleClause{Kind: models.ScheduleOnce, At: &at}))
	h.addTask(t, 2)

	started, err := h.orchestrator.Tick(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	started, err = h.orchestrator.Tick(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, []models.TaskKey{key(1)}, h.engine.Started())
}

func TestOrchestrator_RepeatDependencyRestartsOnEveryRise(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	t1 := h.addTask(t, 1)
	h.addTask(t, 2, testutil.WithStatus(models.TaskStatusDone),
		testutil.WithDependencyTrigger(models.OperatorAll, models.PolicyRepeat, 1))

	_, err := h.orchestrator.Dispatch(ctx, t1, "manual", "")
	require.NoError(t, err)

	_, err = h.orchestrator.ReportOutcome(ctx, key(1), Outcome{})
	require.NoError(t, err)

	_, err = h.orchestrator.ReportOutcome(ctx, key(2), Outcome{})
	require.NoError(t, err)

	for _, status := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusInReview, models.TaskStatusDone} {
		_, err = h.orchestrator.Transition(ctx, key(1), status, lifecycle.Options{Actor: "user:1"})
		require.NoError(t, err)
	}

	assert.Equal(t, []models.TaskKey{key(1), key(2), key(2)}, h.engine.Started())
	assert.Equal(t, models.TaskStatusInProgress, h.task(t, 2).Status)
}

func TestOrchestrator_OnceScheduleSurvivesFailedStart(t *testing.T) {
	h := newHarness(t)
	at := time.Now().UTC().Add(-time.Minute)

	h.addTask(t, 1, testutil.WithSchedule(&models.ScheduleClause{Kind: models.ScheduleOnce, At: &at}))
	h.engine.failStart = errors.New("engine unavailable")

	started, err := h.orchestrator.Tick(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Equal(t, models.TaskStatusTodo, h.task(t, 1).Status)

	h.engine.failStart = nil

	started, err = h.orchestrator.Tick(t.Context(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, []models.TaskKey{key(1)}, h.engine.Started())
}
