// Package web provides the HTTP surface of the orchestration engine.
package web

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

// TaskRequest is the body of task create and update calls.
type TaskRequest struct {
	Title          string                `json:"title"                     validate:"required"`
	Description    string                `json:"description,omitempty"`
	TaskType       models.TaskType       `json:"task_type,omitempty"       validate:"omitempty,oneof=ai script manual"`
	Dependencies   []int                 `json:"dependencies,omitempty"    validate:"dive,gt=0"`
	TriggerConfig  *models.TriggerConfig `json:"trigger_config,omitempty"`
	IsPaused       bool                  `json:"is_paused"`
	ExecutionOrder int                   `json:"execution_order"`
	AssigneeID     string                `json:"assignee_id,omitempty"`
	DueDate        *time.Time            `json:"due_date,omitempty"`
}

func (r TaskRequest) toModel(projectID string, sequence int) *models.Task {
	return &models.Task{
		ProjectID:      projectID,
		Sequence:       sequence,
		Title:          r.Title,
		Description:    r.Description,
		TaskType:       r.TaskType,
		Dependencies:   r.Dependencies,
		TriggerConfig:  r.TriggerConfig,
		IsPaused:       r.IsPaused,
		ExecutionOrder: r.ExecutionOrder,
		AssigneeID:     r.AssigneeID,
		DueDate:        r.DueDate,
	}
}

// SubdivideRequest lists the subtasks a task is split into.
type SubdivideRequest struct {
	Subtasks []TaskRequest `json:"subtasks" validate:"required,min=1,dive"`
}

// PauseRequest pauses or resumes automatic starts.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// TransitionRequest asks for a manual status change.
type TransitionRequest struct {
	Status          models.TaskStatus `json:"status"                       validate:"required"`
	ExpectedFrom    models.TaskStatus `json:"expected_from,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Actor           string            `json:"actor,omitempty"`
	BlockedByTaskID *string           `json:"blocked_by_task_id,omitempty"`
}

// CreateWorkflowRequest starts tracking a workflow execution.
type CreateWorkflowRequest struct {
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ProjectID   string         `json:"project_id"            validate:"required"`
	Name        string         `json:"name,omitempty"`
	TotalTasks  int            `json:"total_tasks"           validate:"min=0"`
	TotalStages int            `json:"total_stages"          validate:"min=0"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkflowStatusRequest moves a workflow execution to a new status.
type WorkflowStatusRequest struct {
	Status models.WorkflowStatus `json:"status"           validate:"required,oneof=pending running paused completed failed cancelled"`
	Reason string                `json:"reason,omitempty"`
}

// CreateCheckpointRequest snapshots a workflow at a stage boundary.
type CreateCheckpointRequest struct {
	WorkflowExecutionID string         `json:"workflow_execution_id,omitempty"`
	StageIndex          int            `json:"stage_index"                     validate:"min=0"`
	CompletedTaskIDs    []string       `json:"completed_task_ids"`
	Context             map[string]any `json:"context,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// CleanupRequest keeps the Keep newest checkpoints. Zero keeps the default count.
type CleanupRequest struct {
	Keep int `json:"keep" validate:"min=0"`
}

// AppendHistoryRequest adds an entry to a task's history.
type AppendHistoryRequest struct {
	EventType models.HistoryEventType `json:"event_type"           validate:"required"`
	EventData map[string]any          `json:"event_data,omitempty"`
	Metadata  map[string]any          `json:"metadata,omitempty"`
}
