// Package models defines the core domain models for task orchestration.
package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusTodo          TaskStatus = "todo"
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusNeedsApproval TaskStatus = "needs_approval"
	TaskStatusInReview      TaskStatus = "in_review"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusBlocked       TaskStatus = "blocked"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusNeedsApproval,
	TaskStatusInReview,
	TaskStatusDone,
	TaskStatusBlocked,
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}

	return false
}

// TaskType tells the execution engine how a task is run.
type TaskType string

const (
	TaskTypeAI     TaskType = "ai"
	TaskTypeScript TaskType = "script"
	TaskTypeManual TaskType = "manual"
)

// Task is a unit of work inside a project, identified by (ProjectID, Sequence).
type Task struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"  validate:"required"`
	Sequence  int      `json:"sequence"`
	Title     string   `json:"title"       validate:"required"`
	TaskType  TaskType `json:"task_type"   validate:"omitempty,oneof=ai script manual"`

	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`

	// Dependencies are explicit DAG edges (sequence numbers) used by control flow.
	Dependencies  []int          `json:"dependencies,omitempty"`
	TriggerConfig *TriggerConfig `json:"trigger_config,omitempty"`

	IsPaused        bool    `json:"is_paused"`
	IsSubdivided    bool    `json:"is_subdivided"`
	ParentSequence  *int    `json:"parent_sequence,omitempty"`
	BlockedByTaskID *string `json:"blocked_by_task_id,omitempty"`
	BlockedReason   string  `json:"blocked_reason,omitempty"`
	ExecutionOrder  int     `json:"execution_order"`
	AssigneeID      string  `json:"assignee_id,omitempty"`

	DueDate     *time.Time `json:"due_date,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`

	// Version is bumped on every write; stores reject updates carrying a stale one.
	Version int64 `json:"version"`
}

// Key returns the composite key of the task.
func (t *Task) Key() TaskKey {
	return TaskKey{ProjectID: t.ProjectID, Sequence: t.Sequence}
}

// IsDeleted reports whether the task has been soft-deleted.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// CanAutoStart reports whether the task may be started by a trigger.
// Paused, subdivided and deleted tasks never auto-start.
func (t *Task) CanAutoStart() bool {
	return !t.IsPaused && !t.IsSubdivided && !t.IsDeleted()
}

// DependsOn reports whether seq is referenced by the task's explicit dependencies
// or by its dependency trigger clause.
func (t *Task) DependsOn(seq int) bool {
	for _, d := range t.Dependencies {
		if d == seq {
			return true
		}
	}

	if t.TriggerConfig != nil && t.TriggerConfig.Dependency != nil {
		for _, d := range t.TriggerConfig.Dependency.TaskSequences {
			if d == seq {
				return true
			}
		}
	}

	return false
}

// TaskKey is the composite key of a task.
type TaskKey struct {
	ProjectID string `json:"project_id"`
	Sequence  int    `json:"sequence"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s#%d", k.ProjectID, k.Sequence)
}
