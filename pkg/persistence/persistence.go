// Package persistence provides the data storage abstraction for tasks, workflow executions,
// checkpoints, automation rules and task history.
//
// Implementations must make every method atomic with respect to concurrent callers.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

type Persistence interface {
	TaskRepository() TaskRepository
	WorkflowExecutionRepository() WorkflowExecutionRepository
	CheckpointRepository() CheckpointRepository
	AutomationRuleRepository() AutomationRuleRepository
	TaskHistoryRepository() TaskHistoryRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TaskRepository stores tasks keyed by (project, sequence).
type TaskRepository interface {
	// Create stores a new task. A zero Sequence is replaced by the next free
	// sequence of the project.
	Create(ctx context.Context, task *models.Task) error
	GetByKey(ctx context.Context, projectID string, sequence int) (*models.Task, error)
	// ListByProject returns the non-deleted tasks of a project ordered by sequence.
	ListByProject(ctx context.Context, projectID string) ([]*models.Task, error)
	// ListDependents returns non-deleted tasks that reference sequence through
	// Dependencies or a dependency trigger clause.
	ListDependents(ctx context.Context, projectID string, sequence int) ([]*models.Task, error)
	// ListScheduled returns non-deleted tasks carrying a schedule clause.
	ListScheduled(ctx context.Context) ([]*models.Task, error)
	// ListDueBetween returns non-deleted, not done tasks whose due date falls in [from, to].
	ListDueBetween(ctx context.Context, from, to time.Time) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	SoftDelete(ctx context.Context, projectID string, sequence int) error
}

// WorkflowExecutionRepository stores workflow executions keyed by workflow ID.
type WorkflowExecutionRepository interface {
	// Create fails with ErrAlreadyExists when the workflow ID is taken.
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, workflowID string) (*models.WorkflowExecution, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error)
	// Update writes the execution if its Version matches the stored one and
	// bumps Version; otherwise it fails with ErrConflict.
	Update(ctx context.Context, execution *models.WorkflowExecution) error
	Delete(ctx context.Context, workflowID string) error
}

// CheckpointRepository stores immutable workflow checkpoints.
type CheckpointRepository interface {
	Create(ctx context.Context, checkpoint *models.WorkflowCheckpoint) error
	GetByID(ctx context.Context, checkpointID string) (*models.WorkflowCheckpoint, error)
	// ListByWorkflow returns checkpoints ordered oldest first.
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowCheckpoint, error)
	Delete(ctx context.Context, checkpointID string) error
}

// AutomationRuleRepository stores automation rules.
type AutomationRuleRepository interface {
	Create(ctx context.Context, rule *models.AutomationRule) error
	GetByID(ctx context.Context, ruleID string) (*models.AutomationRule, error)
	List(ctx context.Context) ([]*models.AutomationRule, error)
	Update(ctx context.Context, rule *models.AutomationRule) error
	Delete(ctx context.Context, ruleID string) error
	// FindEnabled returns enabled rules scoped to projectID plus enabled global rules.
	FindEnabled(ctx context.Context, projectID string) ([]*models.AutomationRule, error)
	IncrementExecutionCount(ctx context.Context, ruleID string, executedAt time.Time) error
}

// TaskHistoryRepository is the append-only task event ledger.
type TaskHistoryRepository interface {
	// Append assigns the entry ID.
	Append(ctx context.Context, entry *models.TaskHistoryEntry) error
	// ListByTask returns entries oldest first; limit <= 0 returns all of them.
	ListByTask(ctx context.Context, projectID string, sequence int, limit int) ([]*models.TaskHistoryEntry, error)
	LatestByEventType(ctx context.Context, projectID string, sequence int, eventType models.HistoryEventType) (*models.TaskHistoryEntry, error)
}
