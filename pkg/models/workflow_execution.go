package models

import "time"

// WorkflowStatus represents the lifecycle state of an orchestrated run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsFinal reports whether no further transitions are possible.
func (s WorkflowStatus) IsFinal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// WorkflowExecution is one orchestrated run spanning many tasks and stages.
type WorkflowExecution struct {
	WorkflowID string         `json:"workflow_id"       validate:"required"`
	ProjectID  string         `json:"project_id"        validate:"required"`
	Name       string         `json:"name,omitempty"`
	Status     WorkflowStatus `json:"status"`

	TotalTasks     int     `json:"total_tasks"       validate:"min=0"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	TotalStages    int     `json:"total_stages"      validate:"min=0"`
	CurrentStage   int     `json:"current_stage"`
	TotalCost      float64 `json:"total_cost"`
	TotalTokens    int64   `json:"total_tokens"`

	TaskResults  []TaskResult   `json:"task_results"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// Version is bumped on every write and used for optimistic concurrency.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskResult is an entry of the append-only result list of a workflow execution.
type TaskResult struct {
	TaskSequence int        `json:"task_sequence"`
	Status       TaskStatus `json:"status"`
	Output       any        `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	Cost         float64    `json:"cost"`
	Tokens       int64      `json:"tokens"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// ProjectStats aggregates all workflow executions of a project.
type ProjectStats struct {
	ProjectID      string                 `json:"project_id"`
	Executions     int                    `json:"executions"`
	ByStatus       map[WorkflowStatus]int `json:"by_status"`
	TotalTasks     int                    `json:"total_tasks"`
	CompletedTasks int                    `json:"completed_tasks"`
	FailedTasks    int                    `json:"failed_tasks"`
	TotalCost      float64                `json:"total_cost"`
	TotalTokens    int64                  `json:"total_tokens"`
}
