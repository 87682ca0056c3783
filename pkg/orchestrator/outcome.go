package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukex/taskflow/pkg/controlflow"
	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/dukex/taskflow/pkg/trigger"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is what the execution engine reports when a task run ends.
type Outcome struct {
	// WorkflowID defaults to the workflow the task was dispatched in.
	WorkflowID string `json:"workflow_id,omitempty"`
	// Status is done (default) or in_review.
	Status models.TaskStatus `json:"status,omitempty"`
	Output any               `json:"output,omitempty"`
	Error  string            `json:"error,omitempty"`
	Cost   float64           `json:"cost"`
	Tokens int64             `json:"tokens"`
	// Stage is set when the run closed a workflow stage; it triggers a checkpoint.
	Stage *int `json:"stage,omitempty"`
	// Context is stored opaquely in the stage checkpoint.
	Context map[string]any `json:"context,omitempty"`
}

// Failed reports whether the run failed.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

func (o Outcome) validate() error {
	switch o.Status {
	case "", models.TaskStatusDone, models.TaskStatusInReview:
	default:
		return models.NewValidationError("status", fmt.Sprintf("an execution ends in done or in_review, not %q", o.Status))
	}

	if o.Cost < 0 || o.Tokens < 0 {
		return models.NewValidationError("cost", "cost and tokens must not be negative")
	}

	if o.Stage != nil && *o.Stage < 0 {
		return models.NewValidationError("stage", "must not be negative")
	}

	return nil
}

// ReportOutcome applies the end of a task run: the task leaves in_progress, the workflow
// records the result, a checkpoint is taken at stage boundaries and, once the task is done,
// its successors are started. A script task returning a malformed control directive is
// treated as failed and the validation error is returned after the failure is applied.
func (o *Orchestrator) ReportOutcome(ctx context.Context, key models.TaskKey, outcome Outcome) (*models.Task, error) {
	if err := outcome.validate(); err != nil {
		return nil, err
	}

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.report_outcome",
		attribute.String(otelhelper.ProjectIDKey, key.ProjectID),
		attribute.Int(otelhelper.TaskSequenceKey, key.Sequence),
	)
	defer span.End()

	task, err := o.tasks.GetByKey(ctx, key.ProjectID, key.Sequence)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if task.IsDeleted() {
		return nil, persistence.NotFound("ReportOutcome", persistence.EntityTask, key.String())
	}

	workflowID, _ := o.release(ctx, key)
	if outcome.WorkflowID != "" {
		workflowID = outcome.WorkflowID
	}

	decision := controlflow.Decision{Mode: controlflow.ModeDefault}

	var controlErr error

	if !outcome.Failed() && task.TaskType == models.TaskTypeScript {
		decision, controlErr = o.resolveControl(ctx, task, outcome.Output)
		if controlErr != nil {
			outcome.Error = controlErr.Error()
		}
	}

	if outcome.Failed() {
		task, err = o.fail(ctx, key, outcome)
	} else {
		task, err = o.complete(ctx, key, outcome)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.TaskStatusKey, string(task.Status)))

	var trackErr error
	if workflowID != "" {
		trackErr = o.track(ctx, workflowID, task, outcome)
	}

	if task.Status == models.TaskStatusDone {
		o.advance(ctx, task, decision, workflowID)
	}

	if err := errors.Join(controlErr, trackErr); err != nil {
		otelhelper.SetError(span, err)

		return task, err
	}

	return task, nil
}

// resolveControl reads the control directive of a script result. Validation failures are
// recorded in history.
func (o *Orchestrator) resolveControl(ctx context.Context, task *models.Task, output any) (controlflow.Decision, error) {
	key := task.Key()

	ret, err := controlflow.ParseScriptReturn(output)
	if err == nil {
		var decision controlflow.Decision

		decision, err = controlflow.Resolve(ret, nil)
		if err == nil && decision.Mode == controlflow.ModeExplicit {
			err = o.validateNext(ctx, task, decision.Next)
		}

		if err == nil {
			return decision, nil
		}
	}

	data := map[string]any{"error": err.Error()}
	if ret.Control != nil {
		data["control"] = ret.Control
	}

	o.history.Record(ctx, key, models.HistoryValidationFailed, data)
	o.logger.WarnContext(ctx, "script returned invalid control flow", "task", key.String(), "error", err)

	return controlflow.Decision{}, err
}

func (o *Orchestrator) validateNext(ctx context.Context, task *models.Task, next []int) error {
	tasks, err := o.tasks.ListByProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list tasks of project %s: %w", task.ProjectID, err)
	}

	return trigger.ValidateNext(task.Sequence, next, tasks)
}

// complete moves a successful run out of in_progress. Done goes through in_review since the
// lifecycle has no direct in_progress -> done edge.
func (o *Orchestrator) complete(ctx context.Context, key models.TaskKey, outcome Outcome) (*models.Task, error) {
	task, err := o.transition(ctx, key, models.TaskStatusInReview, lifecycle.Options{
		ExpectedFrom: models.TaskStatusInProgress,
		Actor:        ActorEngine,
	})
	if err != nil {
		return nil, err
	}

	o.history.Record(ctx, key, models.HistoryExecutionCompleted, map[string]any{
		"output": outcome.Output,
		"cost":   outcome.Cost,
		"tokens": outcome.Tokens,
	})

	if outcome.Status == models.TaskStatusInReview {
		return task, nil
	}

	return o.transition(ctx, key, models.TaskStatusDone, lifecycle.Options{
		ExpectedFrom: models.TaskStatusInReview,
		Actor:        ActorEngine,
	})
}

func (o *Orchestrator) fail(ctx context.Context, key models.TaskKey, outcome Outcome) (*models.Task, error) {
	task, err := o.transition(ctx, key, models.TaskStatusBlocked, lifecycle.Options{
		ExpectedFrom: models.TaskStatusInProgress,
		Actor:        ActorEngine,
		Reason:       outcome.Error,
	})
	if err != nil {
		return nil, err
	}

	o.history.Record(ctx, key, models.HistoryExecutionFailed, map[string]any{
		"error":  outcome.Error,
		"cost":   outcome.Cost,
		"tokens": outcome.Tokens,
	})

	return task, nil
}

// track records the run on its workflow, checkpoints stage boundaries and closes the
// workflow once every task reported.
func (o *Orchestrator) track(ctx context.Context, workflowID string, task *models.Task, outcome Outcome) error {
	execution, err := o.tracker.RecordTaskOutcome(ctx, workflowID, models.TaskResult{
		TaskSequence: task.Sequence,
		Status:       task.Status,
		Output:       outcome.Output,
		Error:        outcome.Error,
		Cost:         outcome.Cost,
		Tokens:       outcome.Tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to record outcome on workflow %s: %w", workflowID, err)
	}

	if outcome.Stage != nil && *outcome.Stage > execution.CurrentStage {
		if err := o.closeStage(ctx, execution, *outcome.Stage, outcome.Context); err != nil {
			return err
		}
	}

	if execution.TotalTasks == 0 || execution.CompletedTasks+execution.FailedTasks < execution.TotalTasks {
		return nil
	}

	if execution.Status != models.WorkflowStatusRunning {
		return nil
	}

	final, reason := models.WorkflowStatusCompleted, ""
	if execution.FailedTasks > 0 {
		final, reason = models.WorkflowStatusFailed, fmt.Sprintf("%d of %d tasks failed", execution.FailedTasks, execution.TotalTasks)
	}

	if _, err := o.tracker.UpdateStatus(ctx, workflowID, final, reason); err != nil {
		return fmt.Errorf("failed to close workflow %s: %w", workflowID, err)
	}

	return nil
}

func (o *Orchestrator) closeStage(ctx context.Context, execution *models.WorkflowExecution, stage int, snapshot map[string]any) error {
	workflowID := execution.WorkflowID

	if _, err := o.tracker.UpdateProgress(ctx, workflowID, tracker.ProgressUpdate{CurrentStage: &stage}); err != nil {
		return fmt.Errorf("failed to advance workflow %s to stage %d: %w", workflowID, stage, err)
	}

	completed := make([]string, 0, len(execution.TaskResults))

	for _, result := range execution.TaskResults {
		if result.Error == "" {
			completed = append(completed, strconv.Itoa(result.TaskSequence))
		}
	}

	if _, err := o.checkpoints.Create(ctx, &models.WorkflowCheckpoint{
		WorkflowExecutionID: workflowID,
		WorkflowID:          workflowID,
		StageIndex:          stage,
		CompletedTaskIDs:    completed,
		Context:             snapshot,
	}); err != nil {
		return fmt.Errorf("failed to checkpoint workflow %s: %w", workflowID, err)
	}

	if _, err := o.checkpoints.Cleanup(ctx, workflowID, o.keep); err != nil {
		o.logger.ErrorContext(ctx, "failed to prune checkpoints", "workflow_id", workflowID, "error", err)
	}

	return nil
}

// Cancel stops the in-flight execution of task, if this orchestrator started one.
// The state machine calls it when a task becomes blocked.
func (o *Orchestrator) Cancel(ctx context.Context, task *models.Task) error {
	if _, ok := o.release(ctx, task.Key()); !ok {
		return nil
	}

	o.history.Record(ctx, task.Key(), models.HistoryStopped, map[string]any{"task_id": task.ID})

	return o.engine.Cancel(ctx, task.ID)
}

// CancelWorkflow blocks every in-flight task of a workflow, which signals the engine to
// stop them. It returns the number of tasks signalled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) int {
	o.mu.Lock()

	var keys []models.TaskKey

	for key, wf := range o.inFlight {
		if wf == workflowID {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()

	if reason == "" {
		reason = "workflow cancelled"
	}

	for _, key := range keys {
		_, err := o.transition(ctx, key, models.TaskStatusBlocked, lifecycle.Options{
			ExpectedFrom: models.TaskStatusInProgress,
			Actor:        ActorEngine,
			Reason:       reason,
		})
		if err == nil {
			continue
		}

		o.logger.WarnContext(ctx, "could not block task of cancelled workflow", "task", key.String(), "error", err)

		if _, ok := o.release(ctx, key); ok {
			if err := o.engine.Cancel(ctx, o.taskID(ctx, key)); err != nil {
				o.logger.ErrorContext(ctx, "failed to cancel execution", "task", key.String(), "error", err)
			}
		}
	}

	o.logger.InfoContext(ctx, "workflow cancelled", "workflow_id", workflowID, "tasks", len(keys))

	return len(keys)
}

func (o *Orchestrator) taskID(ctx context.Context, key models.TaskKey) string {
	task, err := o.tasks.GetByKey(ctx, key.ProjectID, key.Sequence)
	if err != nil {
		return key.String()
	}

	return task.ID
}

// Subscribe makes the orchestrator react to workflow cancellations published on the bus.
func (o *Orchestrator) Subscribe(sub eventbus.EventSubscriber) error {
	return sub.Handle(events.WorkflowCancelledEvent, func(ctx context.Context, raw any) error {
		event, ok := raw.(*events.WorkflowCancelled)
		if !ok {
			o.logger.WarnContext(ctx, "unexpected cancellation payload", "event", fmt.Sprintf("%T", raw))

			return nil
		}

		o.CancelWorkflow(ctx, event.WorkflowID, event.Reason)

		return nil
	})
}
