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
	"github.com/jmoiron/sqlx"
)

const workflowColumns = `workflow_id, project_id, name, status, total_tasks, completed_tasks, failed_tasks,
	total_stages, current_stage, total_cost, total_tokens, task_results, metadata, error_message, version,
	created_at, updated_at, started_at, paused_at, completed_at`

type workflowRow struct {
	WorkflowID     string     `db:"workflow_id"`
	ProjectID      string     `db:"project_id"`
	Name           string     `db:"name"`
	Status         string     `db:"status"`
	TotalTasks     int        `db:"total_tasks"`
	CompletedTasks int        `db:"completed_tasks"`
	FailedTasks    int        `db:"failed_tasks"`
	TotalStages    int        `db:"total_stages"`
	CurrentStage   int        `db:"current_stage"`
	TotalCost      float64    `db:"total_cost"`
	TotalTokens    int64      `db:"total_tokens"`
	TaskResults    string     `db:"task_results"`
	Metadata       string     `db:"metadata"`
	ErrorMessage   string     `db:"error_message"`
	Version        int64      `db:"version"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	StartedAt      *time.Time `db:"started_at"`
	PausedAt       *time.Time `db:"paused_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

func (r *workflowRow) toModel() (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{
		WorkflowID:     r.WorkflowID,
		ProjectID:      r.ProjectID,
		Name:           r.Name,
		Status:         models.WorkflowStatus(r.Status),
		TotalTasks:     r.TotalTasks,
		CompletedTasks: r.CompletedTasks,
		FailedTasks:    r.FailedTasks,
		TotalStages:    r.TotalStages,
		CurrentStage:   r.CurrentStage,
		TotalCost:      r.TotalCost,
		TotalTokens:    r.TotalTokens,
		TaskResults:    []models.TaskResult{},
		ErrorMessage:   r.ErrorMessage,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		PausedAt:       r.PausedAt,
		CompletedAt:    r.CompletedAt,
	}

	if err := unmarshalJSON(r.TaskResults, &execution.TaskResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task results of %s: %w", r.WorkflowID, err)
	}

	if err := unmarshalJSON(r.Metadata, &execution.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.WorkflowID, err)
	}

	return execution, nil
}

// WorkflowExecutionRepository handles workflow execution database operations.
type WorkflowExecutionRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewWorkflowExecutionRepository creates a new workflow execution repository.
func NewWorkflowExecutionRepository(db *sqlx.DB, logger *slog.Logger) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{db: db, logger: logger}
}

func workflowDocuments(execution *models.WorkflowExecution) (string, string, error) {
	results := execution.TaskResults
	if results == nil {
		results = []models.TaskResult{}
	}

	resultsJSON, err := marshalJSON(results)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal task results: %w", err)
	}

	metadata := execution.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return resultsJSON, metadataJSON, nil
}

// Create inserts the execution with Version 1.
func (wr *WorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	resultsJSON, metadataJSON, err := workflowDocuments(execution)
	if err != nil {
		return err
	}

	query := wr.db.Rebind(`INSERT INTO workflow_executions (` + workflowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = wr.db.ExecContext(ctx, query,
		execution.WorkflowID, execution.ProjectID, execution.Name, string(execution.Status),
		execution.TotalTasks, execution.CompletedTasks, execution.FailedTasks, execution.TotalStages,
		execution.CurrentStage, execution.TotalCost, execution.TotalTokens, resultsJSON, metadataJSON,
		execution.ErrorMessage, 1, execution.CreatedAt, execution.UpdatedAt, execution.StartedAt,
		execution.PausedAt, execution.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewError("Create", persistence.EntityWorkflowExecution, execution.WorkflowID, persistence.ErrAlreadyExists)
		}

		return fmt.Errorf("failed to create workflow execution: %w", err)
	}

	execution.Version = 1

	return nil
}

func (wr *WorkflowExecutionRepository) GetByID(ctx context.Context, workflowID string) (*models.WorkflowExecution, error) {
	var row workflowRow

	err := wr.db.GetContext(ctx, &row,
		wr.db.Rebind(`SELECT `+workflowColumns+` FROM workflow_executions WHERE workflow_id = ?`),
		workflowID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NotFound("GetByID", persistence.EntityWorkflowExecution, workflowID)
		}

		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}

	return row.toModel()
}

// ListByProject returns the executions of a project, newest first.
func (wr *WorkflowExecutionRepository) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	rows, err := wr.db.QueryxContext(ctx,
		wr.db.Rebind(`SELECT `+workflowColumns+` FROM workflow_executions
			WHERE project_id = ? ORDER BY created_at DESC, workflow_id`),
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow executions: %w", err)
	}

	defer closeRows(ctx, wr.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		var row workflowRow

		err := rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
		}

		execution, err := row.toModel()
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

// Update writes the execution only when the stored version still equals execution.Version.
func (wr *WorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	resultsJSON, metadataJSON, err := workflowDocuments(execution)
	if err != nil {
		return err
	}

	query := wr.db.Rebind(`UPDATE workflow_executions SET
		project_id = ?, name = ?, status = ?, total_tasks = ?, completed_tasks = ?, failed_tasks = ?,
		total_stages = ?, current_stage = ?, total_cost = ?, total_tokens = ?, task_results = ?, metadata = ?,
		error_message = ?, version = version + 1, created_at = ?, updated_at = ?, started_at = ?,
		paused_at = ?, completed_at = ?
		WHERE workflow_id = ? AND version = ?`)

	result, err := wr.db.ExecContext(ctx, query,
		execution.ProjectID, execution.Name, string(execution.Status), execution.TotalTasks,
		execution.CompletedTasks, execution.FailedTasks, execution.TotalStages, execution.CurrentStage,
		execution.TotalCost, execution.TotalTokens, resultsJSON, metadataJSON, execution.ErrorMessage,
		execution.CreatedAt, execution.UpdatedAt, execution.StartedAt, execution.PausedAt,
		execution.CompletedAt, execution.WorkflowID, execution.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		if _, err := wr.GetByID(ctx, execution.WorkflowID); err != nil {
			return err
		}

		return persistence.NewError("Update", persistence.EntityWorkflowExecution, execution.WorkflowID, persistence.ErrConflict)
	}

	execution.Version++

	return nil
}

func (wr *WorkflowExecutionRepository) Delete(ctx context.Context, workflowID string) error {
	result, err := wr.db.ExecContext(ctx,
		wr.db.Rebind(`DELETE FROM workflow_executions WHERE workflow_id = ?`),
		workflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NotFound("Delete", persistence.EntityWorkflowExecution, workflowID)
	}

	return nil
}
