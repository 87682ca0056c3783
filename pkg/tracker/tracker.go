// Package tracker owns the lifecycle and aggregate progress of workflow executions.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/metrics"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultConflictAttempts bounds read-modify-write retries on version conflicts.
const DefaultConflictAttempts = 5

var transitions = map[models.WorkflowStatus][]models.WorkflowStatus{
	models.WorkflowStatusPending: {models.WorkflowStatusRunning, models.WorkflowStatusCancelled},
	models.WorkflowStatusRunning: {
		models.WorkflowStatusPaused,
		models.WorkflowStatusCompleted,
		models.WorkflowStatusFailed,
		models.WorkflowStatusCancelled,
	},
	models.WorkflowStatusPaused: {models.WorkflowStatusRunning, models.WorkflowStatusCancelled},
}

// CanTransition reports whether an execution may move between aggregate statuses.
func CanTransition(from, to models.WorkflowStatus) bool {
	return slices.Contains(transitions[from], to)
}

// ProgressUpdate is a partial update; nil fields are left unchanged.
type ProgressUpdate struct {
	CompletedTasks *int     `json:"completed_tasks,omitempty"`
	FailedTasks    *int     `json:"failed_tasks,omitempty"`
	CurrentStage   *int     `json:"current_stage,omitempty"`
	TotalCost      *float64 `json:"total_cost,omitempty"`
	TotalTokens    *int64   `json:"total_tokens,omitempty"`
}

// Tracker records workflow execution state through a WorkflowExecutionRepository.
type Tracker struct {
	repo      persistence.WorkflowExecutionRepository
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	validate  *validator.Validate
	logger    *slog.Logger
	attempts  int
	now       func() time.Time
}

// New creates a tracker. publisher and m may be nil.
func New(repo persistence.WorkflowExecutionRepository, publisher eventbus.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &Tracker{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		validate:  validator.New(),
		logger:    logger.With("module", "tracker"),
		attempts:  DefaultConflictAttempts,
		now:       time.Now,
	}
}

// Create stores a new pending execution. An empty WorkflowID is generated.
func (t *Tracker) Create(ctx context.Context, execution *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	if execution.WorkflowID == "" {
		execution.WorkflowID = uuid.New().String()
	}

	if err := t.validate.Struct(execution); err != nil {
		return nil, models.NewValidationError("workflow_execution", err.Error())
	}

	if execution.CompletedTasks+execution.FailedTasks > execution.TotalTasks {
		return nil, models.NewValidationError("completed_tasks", "completed and failed tasks exceed total tasks")
	}

	now := t.now().UTC()
	execution.Status = models.WorkflowStatusPending
	execution.CreatedAt = now
	execution.UpdatedAt = now

	if execution.TaskResults == nil {
		execution.TaskResults = []models.TaskResult{}
	}

	if err := t.repo.Create(ctx, execution); err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "workflow execution created",
		"workflow_id", execution.WorkflowID,
		"project_id", execution.ProjectID,
		"total_tasks", execution.TotalTasks)

	return execution, nil
}

func (t *Tracker) Get(ctx context.Context, workflowID string) (*models.WorkflowExecution, error) {
	return t.repo.GetByID(ctx, workflowID)
}

func (t *Tracker) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	return t.repo.ListByProject(ctx, projectID)
}

// Delete removes an execution for good.
func (t *Tracker) Delete(ctx context.Context, workflowID string) error {
	if err := t.repo.Delete(ctx, workflowID); err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "workflow execution deleted", "workflow_id", workflowID)

	return nil
}

// UpdateStatus moves an execution to status and stamps the matching timestamp.
// reason is stored as the error message when the execution fails.
func (t *Tracker) UpdateStatus(ctx context.Context, workflowID string, status models.WorkflowStatus, reason string) (*models.WorkflowExecution, error) {
	var from models.WorkflowStatus

	execution, err := t.modify(ctx, workflowID, func(execution *models.WorkflowExecution, now time.Time) error {
		from = execution.Status

		if !CanTransition(from, status) {
			return &InvalidStatusError{WorkflowID: workflowID, From: from, To: status}
		}

		switch status {
		case models.WorkflowStatusRunning:
			if execution.StartedAt == nil {
				execution.StartedAt = &now
			}

			execution.PausedAt = nil
		case models.WorkflowStatusPaused:
			execution.PausedAt = &now
		case models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
			execution.CompletedAt = &now
			if status == models.WorkflowStatusFailed && reason != "" {
				execution.ErrorMessage = reason
			}
		}

		execution.Status = status

		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "workflow status changed", "workflow_id", workflowID, "from", from, "to", status)

	t.publish(ctx, workflowID, &events.WorkflowStatusChanged{
		BaseEvent:      events.NewBaseEvent(events.WorkflowStatusChangedEvent, execution.ProjectID),
		WorkflowID:     workflowID,
		PreviousStatus: from,
		NewStatus:      status,
	})

	if status == models.WorkflowStatusCancelled {
		t.publish(ctx, workflowID, events.NewWorkflowCancelled(execution.ProjectID, workflowID, reason))
	}

	return execution, nil
}

// UpdateProgress merges the non-nil fields of update. Counters may not decrease.
func (t *Tracker) UpdateProgress(ctx context.Context, workflowID string, update ProgressUpdate) (*models.WorkflowExecution, error) {
	return t.modify(ctx, workflowID, func(execution *models.WorkflowExecution, _ time.Time) error {
		if update.CompletedTasks != nil {
			if *update.CompletedTasks < execution.CompletedTasks {
				return models.NewValidationError("completed_tasks", "must not decrease")
			}

			execution.CompletedTasks = *update.CompletedTasks
		}

		if update.FailedTasks != nil {
			if *update.FailedTasks < execution.FailedTasks {
				return models.NewValidationError("failed_tasks", "must not decrease")
			}

			execution.FailedTasks = *update.FailedTasks
		}

		if update.CurrentStage != nil {
			if *update.CurrentStage < 0 || (execution.TotalStages > 0 && *update.CurrentStage > execution.TotalStages) {
				return models.NewValidationError("current_stage", fmt.Sprintf("must be between 0 and %d", execution.TotalStages))
			}

			execution.CurrentStage = *update.CurrentStage
		}

		if update.TotalCost != nil {
			if *update.TotalCost < execution.TotalCost {
				return models.NewValidationError("total_cost", "must not decrease")
			}

			execution.TotalCost = *update.TotalCost
		}

		if update.TotalTokens != nil {
			if *update.TotalTokens < execution.TotalTokens {
				return models.NewValidationError("total_tokens", "must not decrease")
			}

			execution.TotalTokens = *update.TotalTokens
		}

		return checkBounds(execution)
	})
}

// AddTaskResult appends result to the execution's result list.
func (t *Tracker) AddTaskResult(ctx context.Context, workflowID string, result models.TaskResult) (*models.WorkflowExecution, error) {
	return t.modify(ctx, workflowID, func(execution *models.WorkflowExecution, now time.Time) error {
		if result.RecordedAt.IsZero() {
			result.RecordedAt = now
		}

		execution.TaskResults = append(execution.TaskResults, result)

		return nil
	})
}

// RecordTaskOutcome appends result and, in the same write, counts it as completed or
// failed and adds its cost and tokens to the totals.
func (t *Tracker) RecordTaskOutcome(ctx context.Context, workflowID string, result models.TaskResult) (*models.WorkflowExecution, error) {
	return t.modify(ctx, workflowID, func(execution *models.WorkflowExecution, now time.Time) error {
		if result.RecordedAt.IsZero() {
			result.RecordedAt = now
		}

		execution.TaskResults = append(execution.TaskResults, result)

		if result.Error != "" {
			execution.FailedTasks++
		} else {
			execution.CompletedTasks++
		}

		execution.TotalCost += result.Cost
		execution.TotalTokens += result.Tokens

		return checkBounds(execution)
	})
}

// GetProjectStats aggregates every execution of a project.
func (t *Tracker) GetProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	executions, err := t.repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stats := &models.ProjectStats{
		ProjectID: projectID,
		ByStatus:  make(map[models.WorkflowStatus]int),
	}

	for _, e := range executions {
		stats.Executions++
		stats.ByStatus[e.Status]++
		stats.TotalTasks += e.TotalTasks
		stats.CompletedTasks += e.CompletedTasks
		stats.FailedTasks += e.FailedTasks
		stats.TotalCost += e.TotalCost
		stats.TotalTokens += e.TotalTokens
	}

	return stats, nil
}

// modify runs a versioned read-modify-write, retrying on conflicts.
func (t *Tracker) modify(ctx context.Context, workflowID string, mutate func(*models.WorkflowExecution, time.Time) error) (*models.WorkflowExecution, error) {
	var execution *models.WorkflowExecution

	err := persistence.RetryOnConflict(ctx, t.attempts, func() error {
		current, err := t.repo.GetByID(ctx, workflowID)
		if err != nil {
			return err
		}

		now := t.now().UTC()

		if err := mutate(current, now); err != nil {
			return err
		}

		current.UpdatedAt = now

		err = t.repo.Update(ctx, current)
		if persistence.IsConflict(err) {
			t.metrics.ConflictRetried()
		}

		if err != nil {
			return err
		}

		execution = current

		return nil
	})

	return execution, err
}

func (t *Tracker) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := t.publisher.Publish(ctx, key, event); err != nil {
		t.logger.ErrorContext(ctx, "failed to publish workflow event", "workflow_id", key, "event_type", event.GetType(), "error", err)
	}
}

func checkBounds(execution *models.WorkflowExecution) error {
	if execution.CompletedTasks+execution.FailedTasks > execution.TotalTasks {
		return models.NewValidationError("completed_tasks",
			fmt.Sprintf("completed (%d) plus failed (%d) exceeds total tasks (%d)",
				execution.CompletedTasks, execution.FailedTasks, execution.TotalTasks))
	}

	return nil
}
