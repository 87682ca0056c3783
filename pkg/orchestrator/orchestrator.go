// Package orchestrator wires the state machine, trigger evaluation, execution dispatch,
// workflow tracking and checkpoints into the task completion pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/checkpoint"
	"github.com/dukex/taskflow/pkg/controlflow"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/lock"
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/dukex/taskflow/pkg/trigger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActorEngine  = "engine"
	ActorTrigger = "trigger"

	// CauseControlFlow marks tasks started from an explicit control-flow directive.
	CauseControlFlow trigger.Cause = "control_flow"
)

// Recorder appends task history entries.
type Recorder interface {
	Record(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType, data map[string]any)
}

// Deps are the collaborators of an Orchestrator. Publisher, Metrics and Tracer are optional.
type Deps struct {
	Tasks       persistence.TaskRepository
	Machine     *lifecycle.Machine
	Evaluator   *trigger.Evaluator
	History     Recorder
	Tracker     *tracker.Tracker
	Checkpoints *checkpoint.Manager
	Engine      ExecutionEngine
	Locker      lock.Locker
	Publisher   eventbus.EventPublisher
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

type Option func(*Orchestrator)

// WithLockTTL bounds how long a dispatched task holds its execution lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithCheckpointKeep sets how many checkpoints survive the cleanup after each stage.
func WithCheckpointKeep(keep int) Option {
	return func(o *Orchestrator) {
		if keep > 0 {
			o.keep = keep
		}
	}
}

// Orchestrator drives tasks through their lifecycle in reaction to engine reports,
// manual transitions and schedule ticks.
type Orchestrator struct {
	tasks       persistence.TaskRepository
	machine     *lifecycle.Machine
	evaluator   *trigger.Evaluator
	history     Recorder
	tracker     *tracker.Tracker
	checkpoints *checkpoint.Manager
	engine      ExecutionEngine
	locker      lock.Locker
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger

	lockTTL time.Duration
	keep    int

	mu sync.Mutex
	// inFlight maps dispatched tasks to the workflow they run in ("" when none).
	inFlight map[models.TaskKey]string
}

// New creates an orchestrator and registers it on the state machine as event publisher
// and execution canceller.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tasks:       deps.Tasks,
		machine:     deps.Machine,
		evaluator:   deps.Evaluator,
		history:     deps.History,
		tracker:     deps.Tracker,
		checkpoints: deps.Checkpoints,
		engine:      deps.Engine,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger.With("module", "orchestrator"),
		lockTTL:     lock.DefaultTTL,
		keep:        checkpoint.DefaultKeep,
		inFlight:    make(map[models.TaskKey]string),
	}

	if o.publisher == nil {
		o.publisher = eventbus.NopPublisher{}
	}

	if o.tracer == nil {
		o.tracer = otelhelper.NoopTracer()
	}

	if o.locker == nil {
		o.locker = lock.NewMemory()
	}

	for _, opt := range opts {
		opt(o)
	}

	o.machine.SetCanceller(o)
	o.machine.OnChange(o.onChange)

	return o
}

// Transition applies a status change requested from outside the engine. Reaching done
// evaluates the dependency triggers of the task.
func (o *Orchestrator) Transition(ctx context.Context, key models.TaskKey, to models.TaskStatus, opts lifecycle.Options) (*models.Task, error) {
	task, err := o.transition(ctx, key, to, opts)
	if err != nil {
		return nil, err
	}

	if to == models.TaskStatusDone {
		o.advance(ctx, task, controlflow.Decision{Mode: controlflow.ModeDefault}, "")
	}

	return task, nil
}

func (o *Orchestrator) transition(ctx context.Context, key models.TaskKey, to models.TaskStatus, opts lifecycle.Options) (*models.Task, error) {
	task, err := o.machine.Transition(ctx, key, to, opts)

	var rejected *lifecycle.InvalidTransitionError
	if errors.As(err, &rejected) {
		o.metrics.TransitionRejected(string(rejected.From), string(rejected.To))
	}

	return task, err
}

// onChange runs under the task lock of the state machine.
func (o *Orchestrator) onChange(ctx context.Context, change lifecycle.Change) {
	o.metrics.TransitionApplied(string(change.From), string(change.To))

	event := events.NewTaskStatusChanged(change.Task, change.From, change.To)
	event.Reason = change.Reason
	event.Actor = change.Actor

	o.publish(ctx, change.Task.Key().String(), event)

	// leaving done is the only change that can make a dependency clause fall
	if change.From == models.TaskStatusDone && change.To != models.TaskStatusDone {
		key := change.Task.Key()
		if err := o.evaluator.Settle(ctx, key.ProjectID, key.Sequence); err != nil {
			o.logger.ErrorContext(ctx, "failed to settle dependency triggers", "task", key.String(), "error", err)
		}
	}
}

// advance starts the successors of a task that just reached done and announces project
// completion.
func (o *Orchestrator) advance(ctx context.Context, task *models.Task, decision controlflow.Decision, workflowID string) {
	key := task.Key()

	switch decision.Mode {
	case controlflow.ModeTerminal:
		o.logger.InfoContext(ctx, "control flow ended branch", "task", key.String(), "reason", decision.Reason)
	case controlflow.ModeExplicit:
		for _, seq := range decision.Next {
			next, err := o.tasks.GetByKey(ctx, key.ProjectID, seq)
			if err != nil {
				o.logger.ErrorContext(ctx, "failed to load control flow successor", "task", key.String(), "next", seq, "error", err)

				continue
			}

			if !next.CanAutoStart() {
				o.logger.InfoContext(ctx, "control flow successor cannot auto-start", "task", next.Key().String())

				continue
			}

			o.dispatchLogged(ctx, next, CauseControlFlow, workflowID)
		}
	default:
		candidates, err := o.evaluator.Candidates(ctx, key.ProjectID, key.Sequence)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to evaluate dependency triggers", "task", key.String(), "error", err)
		}

		for _, candidate := range candidates {
			if o.dispatchLogged(ctx, candidate.Task, candidate.Cause, workflowID) {
				o.evaluator.Consume(candidate)
			}
		}
	}

	o.checkProjectCompleted(ctx, key.ProjectID)
}

func (o *Orchestrator) checkProjectCompleted(ctx context.Context, projectID string) {
	tasks, err := o.tasks.ListByProject(ctx, projectID)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to list project tasks", "project_id", projectID, "error", err)

		return
	}

	total := 0

	for _, task := range tasks {
		if task.IsDeleted() {
			continue
		}

		if task.Status != models.TaskStatusDone {
			return
		}

		total++
	}

	if total == 0 {
		return
	}

	o.logger.InfoContext(ctx, "project completed", "project_id", projectID, "tasks", total)
	o.publish(ctx, projectID, events.NewProjectCompleted(projectID, total))
}

// Tick starts every task whose schedule clause is due at now.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (int, error) {
	candidates, err := o.evaluator.DueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	started := 0

	for _, candidate := range candidates {
		if o.dispatchLogged(ctx, candidate.Task, candidate.Cause, "") {
			o.evaluator.Consume(candidate)
			started++
		}
	}

	return started, nil
}

// Dispatch starts task on the execution engine. A task already in flight is skipped and
// reported as not started.
func (o *Orchestrator) Dispatch(ctx context.Context, task *models.Task, cause trigger.Cause, workflowID string) (bool, error) {
	key := task.Key()

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.dispatch",
		attribute.String(otelhelper.ProjectIDKey, key.ProjectID),
		attribute.Int(otelhelper.TaskSequenceKey, key.Sequence),
		attribute.String(otelhelper.TriggerCauseKey, string(cause)),
	)
	defer span.End()

	acquired, err := o.locker.Acquire(ctx, key.String(), o.lockTTL)
	if err != nil {
		otelhelper.SetError(span, err)

		return false, fmt.Errorf("failed to lock task %s: %w", key, err)
	}

	if !acquired {
		o.logger.DebugContext(ctx, "task already in flight", "task", key.String())

		return false, nil
	}

	started, err := o.transition(ctx, key, models.TaskStatusInProgress, lifecycle.Options{
		Actor:  ActorTrigger,
		Reason: string(cause),
	})
	if err != nil {
		o.unlock(ctx, key)
		otelhelper.SetError(span, err)

		return false, err
	}

	o.mu.Lock()
	o.inFlight[key] = workflowID
	o.mu.Unlock()

	o.history.Record(ctx, key, models.HistoryExecutionStarted, map[string]any{
		"cause":       string(cause),
		"workflow_id": workflowID,
	})

	if err := o.engine.Start(ctx, started); err != nil {
		o.metrics.DispatchFailed()

		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
		o.unlock(ctx, key)
		otelhelper.SetError(span, err)

		o.history.Record(ctx, key, models.HistoryExecutionFailed, map[string]any{"error": err.Error(), "stage": "dispatch"})

		if _, terr := o.transition(ctx, key, models.TaskStatusTodo, lifecycle.Options{
			ExpectedFrom: models.TaskStatusInProgress,
			Actor:        ActorEngine,
			Reason:       "dispatch failed",
		}); terr != nil {
			o.logger.ErrorContext(ctx, "failed to roll back dispatched task", "task", key.String(), "error", terr)
		}

		return false, fmt.Errorf("failed to start task %s: %w", key, err)
	}

	o.metrics.TaskDispatched(string(cause))

	o.publish(ctx, key.String(), &events.TaskDispatched{
		BaseEvent:  events.NewBaseEvent(events.TaskDispatchedEvent, key.ProjectID),
		Task:       events.SnapshotOf(started),
		Cause:      string(cause),
		WorkflowID: workflowID,
	})

	if workflowID != "" {
		o.markRunning(ctx, workflowID)
	}

	o.logger.InfoContext(ctx, "task dispatched", "task", key.String(), "cause", cause, "workflow_id", workflowID)

	return true, nil
}

func (o *Orchestrator) dispatchLogged(ctx context.Context, task *models.Task, cause trigger.Cause, workflowID string) bool {
	started, err := o.Dispatch(ctx, task, cause, workflowID)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to dispatch task", "task", task.Key().String(), "cause", cause, "error", err)
	}

	return started
}

func (o *Orchestrator) markRunning(ctx context.Context, workflowID string) {
	execution, err := o.tracker.Get(ctx, workflowID)
	if err != nil {
		o.logger.WarnContext(ctx, "dispatch references unknown workflow", "workflow_id", workflowID, "error", err)

		return
	}

	if execution.Status != models.WorkflowStatusPending {
		return
	}

	if _, err := o.tracker.UpdateStatus(ctx, workflowID, models.WorkflowStatusRunning, ""); err != nil {
		o.logger.ErrorContext(ctx, "failed to start workflow", "workflow_id", workflowID, "error", err)
	}
}

// InFlight reports whether the task holds an execution lock taken by this orchestrator.
func (o *Orchestrator) InFlight(key models.TaskKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.inFlight[key]

	return ok
}

// release forgets an in-flight execution and frees its lock. It returns the workflow the
// execution belonged to.
func (o *Orchestrator) release(ctx context.Context, key models.TaskKey) (string, bool) {
	o.mu.Lock()
	workflowID, ok := o.inFlight[key]
	delete(o.inFlight, key)
	o.mu.Unlock()

	if ok {
		o.metrics.ExecutionReleased()
		o.unlock(ctx, key)
	}

	return workflowID, ok
}

func (o *Orchestrator) unlock(ctx context.Context, key models.TaskKey) {
	if err := o.locker.Release(ctx, key.String()); err != nil {
		o.logger.ErrorContext(ctx, "failed to release execution lock", "task", key.String(), "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := o.publisher.Publish(ctx, key, event); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish event", "key", key, "event_type", event.GetType(), "error", err)
	}
}
