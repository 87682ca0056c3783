package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	taskColumns = `id, project_id, sequence, title, task_type, description, status, dependencies,
		trigger_config, is_paused, is_subdivided, parent_sequence, blocked_by_task_id, blocked_reason,
		execution_order, assignee_id, due_date, started_at, completed_at, created_at, updated_at, deleted_at, version`

	// concurrent creators may pick the same max(sequence)+1; the loser retries
	maxSequenceAttempts = 5
)

type taskRow struct {
	ID              string         `db:"id"`
	ProjectID       string         `db:"project_id"`
	Sequence        int            `db:"sequence"`
	Title           string         `db:"title"`
	TaskType        string         `db:"task_type"`
	Description     string         `db:"description"`
	Status          string         `db:"status"`
	Dependencies    string         `db:"dependencies"`
	TriggerConfig   sql.NullString `db:"trigger_config"`
	IsPaused        bool           `db:"is_paused"`
	IsSubdivided    bool           `db:"is_subdivided"`
	ParentSequence  sql.NullInt64  `db:"parent_sequence"`
	BlockedByTaskID sql.NullString `db:"blocked_by_task_id"`
	BlockedReason   string         `db:"blocked_reason"`
	ExecutionOrder  int            `db:"execution_order"`
	AssigneeID      string         `db:"assignee_id"`
	DueDate         *time.Time     `db:"due_date"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	DeletedAt       *time.Time     `db:"deleted_at"`
	Version         int64          `db:"version"`
}

func (r *taskRow) toModel() (*models.Task, error) {
	task := &models.Task{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Sequence:       r.Sequence,
		Title:          r.Title,
		TaskType:       models.TaskType(r.TaskType),
		Description:    r.Description,
		Status:         models.TaskStatus(r.Status),
		IsPaused:       r.IsPaused,
		IsSubdivided:   r.IsSubdivided,
		BlockedReason:  r.BlockedReason,
		ExecutionOrder: r.ExecutionOrder,
		AssigneeID:     r.AssigneeID,
		DueDate:        r.DueDate,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      r.DeletedAt,
		Version:        r.Version,
	}

	if err := unmarshalJSON(r.Dependencies, &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies of task %s: %w", r.ID, err)
	}

	if r.TriggerConfig.Valid {
		if err := unmarshalJSON(r.TriggerConfig.String, &task.TriggerConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger config of task %s: %w", r.ID, err)
		}
	}

	if r.ParentSequence.Valid {
		parent := int(r.ParentSequence.Int64)
		task.ParentSequence = &parent
	}

	if r.BlockedByTaskID.Valid {
		blockedBy := r.BlockedByTaskID.String
		task.BlockedByTaskID = &blockedBy
	}

	return task, nil
}

// TaskRepository handles task-related database operations.
type TaskRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sqlx.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

func taskArgs(task *models.Task) ([]any, error) {
	dependencies := task.Dependencies
	if dependencies == nil {
		dependencies = []int{}
	}

	dependenciesJSON, err := marshalJSON(dependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	var triggerConfig sql.NullString

	if task.TriggerConfig != nil {
		triggerJSON, err := marshalJSON(task.TriggerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trigger config: %w", err)
		}

		triggerConfig = sql.NullString{String: triggerJSON, Valid: true}
	}

	var parentSequence sql.NullInt64
	if task.ParentSequence != nil {
		parentSequence = sql.NullInt64{Int64: int64(*task.ParentSequence), Valid: true}
	}

	var blockedBy sql.NullString
	if task.BlockedByTaskID != nil {
		blockedBy = sql.NullString{String: *task.BlockedByTaskID, Valid: true}
	}

	return []any{
		task.ID, task.ProjectID, task.Sequence, task.Title, string(task.TaskType), task.Description,
		string(task.Status), dependenciesJSON, triggerConfig, task.IsPaused, task.IsSubdivided,
		parentSequence, blockedBy, task.BlockedReason, task.ExecutionOrder, task.AssigneeID,
		task.DueDate, task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt, task.DeletedAt,
	}, nil
}

// Create inserts the task, allocating max(sequence)+1 within the project when Sequence is zero.
func (tr *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	allocate := task.Sequence == 0

	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		err := tr.insert(ctx, task, allocate)
		if err == nil {
			return nil
		}

		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to create task: %w", err)
		}

		if !allocate {
			return persistence.NewError("Create", persistence.EntityTask, task.Key().String(), persistence.ErrAlreadyExists)
		}

		tr.logger.DebugContext(ctx, "sequence allocation collided, retrying", "project_id", task.ProjectID, "attempt", attempt+1)
	}

	return persistence.NewError("Create", persistence.EntityTask, task.ProjectID, persistence.ErrConflict)
}

func (tr *TaskRepository) insert(ctx context.Context, task *models.Task, allocate bool) error {
	tx, err := tr.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if allocate {
		var next int

		err = tx.QueryRowxContext(ctx,
			tr.db.Rebind("SELECT COALESCE(MAX(sequence), 0) + 1 FROM tasks WHERE project_id = ?"),
			task.ProjectID,
		).Scan(&next)
		if err != nil {
			return err
		}

		task.Sequence = next
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := tr.db.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query, append(args, 1)...)
	if err != nil {
		if allocate {
			task.Sequence = 0
		}

		return err
	}

	err = tx.Commit()
	if err == nil {
		task.Version = 1
	}

	return err
}

func (tr *TaskRepository) GetByKey(ctx context.Context, projectID string, sequence int) (*models.Task, error) {
	var row taskRow

	err := tr.db.GetContext(ctx, &row,
		tr.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND sequence = ?`),
		projectID, sequence,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			key := models.TaskKey{ProjectID: projectID, Sequence: sequence}.String()

			return nil, persistence.NotFound("GetByKey", persistence.EntityTask, key)
		}

		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return row.toModel()
}

func (tr *TaskRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	return tr.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND deleted_at IS NULL ORDER BY sequence`,
		projectID,
	)
}

func (tr *TaskRepository) ListDependents(ctx context.Context, projectID string, sequence int) ([]*models.Task, error) {
	tasks, err := tr.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	dependents := make([]*models.Task, 0)

	for _, t := range tasks {
		if t.Sequence != sequence && t.DependsOn(sequence) {
			dependents = append(dependents, t)
		}
	}

	return dependents, nil
}

func (tr *TaskRepository) ListScheduled(ctx context.Context) ([]*models.Task, error) {
	tasks, err := tr.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE deleted_at IS NULL AND trigger_config IS NOT NULL
		ORDER BY project_id, sequence`,
	)
	if err != nil {
		return nil, err
	}

	scheduled := make([]*models.Task, 0, len(tasks))

	for _, t := range tasks {
		if t.TriggerConfig != nil && t.TriggerConfig.Schedule != nil {
			scheduled = append(scheduled, t)
		}
	}

	return scheduled, nil
}

// ListDueBetween filters in Go: SQLite stores timestamps as text with variable precision,
// which does not compare reliably.
func (tr *TaskRepository) ListDueBetween(ctx context.Context, from, to time.Time) ([]*models.Task, error) {
	tasks, err := tr.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE deleted_at IS NULL AND due_date IS NOT NULL AND status <> ?
		ORDER BY project_id, sequence`,
		string(models.TaskStatusDone),
	)
	if err != nil {
		return nil, err
	}

	due := make([]*models.Task, 0, len(tasks))

	for _, t := range tasks {
		if !t.DueDate.Before(from) && !t.DueDate.After(to) {
			due = append(due, t)
		}
	}

	return due, nil
}

func (tr *TaskRepository) query(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := tr.db.QueryxContext(ctx, tr.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	defer closeRows(ctx, tr.logger, rows)

	tasks := make([]*models.Task, 0)

	for rows.Next() {
		var row taskRow

		err := rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task, err := row.toModel()
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// Update writes the task only when the stored version still equals task.Version.
func (tr *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	// id, project_id and sequence are immutable; they move to the WHERE clause
	query := tr.db.Rebind(`UPDATE tasks SET
		title = ?, task_type = ?, description = ?, status = ?, dependencies = ?, trigger_config = ?,
		is_paused = ?, is_subdivided = ?, parent_sequence = ?, blocked_by_task_id = ?, blocked_reason = ?,
		execution_order = ?, assignee_id = ?, due_date = ?, started_at = ?, completed_at = ?,
		created_at = ?, updated_at = ?, deleted_at = ?, version = version + 1
		WHERE project_id = ? AND sequence = ? AND version = ?`)

	updateArgs := append(args[3:], task.ProjectID, task.Sequence, task.Version)

	result, err := tr.db.ExecContext(ctx, query, updateArgs...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		if _, err := tr.GetByKey(ctx, task.ProjectID, task.Sequence); err != nil {
			return err
		}

		return persistence.NewError("Update", persistence.EntityTask, task.Key().String(), persistence.ErrConflict)
	}

	task.Version++

	return nil
}

func (tr *TaskRepository) SoftDelete(ctx context.Context, projectID string, sequence int) error {
	task, err := tr.GetByKey(ctx, projectID, sequence)
	if err != nil {
		return err
	}

	if task.IsDeleted() {
		return nil
	}

	now := time.Now().UTC()

	_, err = tr.db.ExecContext(ctx,
		tr.db.Rebind(`UPDATE tasks SET deleted_at = ?, updated_at = ?, version = version + 1 WHERE project_id = ? AND sequence = ?`),
		now, now, projectID, sequence,
	)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}
