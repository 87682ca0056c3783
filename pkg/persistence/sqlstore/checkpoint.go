package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

const checkpointColumns = `checkpoint_id, workflow_execution_id, workflow_id, stage_index,
	completed_task_ids, context, metadata, created_at`

type checkpointRow struct {
	CheckpointID        string    `db:"checkpoint_id"`
	WorkflowExecutionID string    `db:"workflow_execution_id"`
	WorkflowID          string    `db:"workflow_id"`
	StageIndex          int       `db:"stage_index"`
	CompletedTaskIDs    string    `db:"completed_task_ids"`
	Context             string    `db:"context"`
	Metadata            string    `db:"metadata"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r *checkpointRow) toModel() (*models.WorkflowCheckpoint, error) {
	checkpoint := &models.WorkflowCheckpoint{
		CheckpointID:        r.CheckpointID,
		WorkflowExecutionID: r.WorkflowExecutionID,
		WorkflowID:          r.WorkflowID,
		StageIndex:          r.StageIndex,
		CompletedTaskIDs:    []string{},
		CreatedAt:           r.CreatedAt,
	}

	if err := unmarshalJSON(r.CompletedTaskIDs, &checkpoint.CompletedTaskIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed task ids of %s: %w", r.CheckpointID, err)
	}

	if err := unmarshalJSON(r.Context, &checkpoint.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context of %s: %w", r.CheckpointID, err)
	}

	if err := unmarshalJSON(r.Metadata, &checkpoint.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", r.CheckpointID, err)
	}

	return checkpoint, nil
}

// CheckpointRepository handles checkpoint database operations.
type CheckpointRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(db *sqlx.DB, logger *slog.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

func (cr *CheckpointRepository) Create(ctx context.Context, checkpoint *models.WorkflowCheckpoint) error {
	completed := checkpoint.CompletedTaskIDs
	if completed == nil {
		completed = []string{}
	}

	completedJSON, err := marshalJSON(completed)
	if err != nil {
		return fmt.Errorf("failed to marshal completed task ids: %w", err)
	}

	contextJSON, err := marshalJSON(checkpoint.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint context: %w", err)
	}

	metadataJSON, err := marshalJSON(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	_, err = cr.db.ExecContext(ctx,
		cr.db.Rebind(`INSERT INTO workflow_checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		checkpoint.CheckpointID, checkpoint.WorkflowExecutionID, checkpoint.WorkflowID, checkpoint.StageIndex,
		completedJSON, contextJSON, metadataJSON, checkpoint.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewError("Create", persistence.EntityCheckpoint, checkpoint.CheckpointID, persistence.ErrAlreadyExists)
		}

		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	return nil
}

func (cr *CheckpointRepository) GetByID(ctx context.Context, checkpointID string) (*models.WorkflowCheckpoint, error) {
	var row checkpointRow

	err := cr.db.GetContext(ctx, &row,
		cr.db.Rebind(`SELECT `+checkpointColumns+` FROM workflow_checkpoints WHERE checkpoint_id = ?`),
		checkpointID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NotFound("GetByID", persistence.EntityCheckpoint, checkpointID)
		}

		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return row.toModel()
}

func (cr *CheckpointRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowCheckpoint, error) {
	rows, err := cr.db.QueryxContext(ctx,
		cr.db.Rebind(`SELECT `+checkpointColumns+` FROM workflow_checkpoints
			WHERE workflow_id = ? ORDER BY stage_index, created_at, checkpoint_id`),
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}

	defer closeRows(ctx, cr.logger, rows)

	checkpoints := make([]*models.WorkflowCheckpoint, 0)

	for rows.Next() {
		var row checkpointRow

		err := rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		checkpoint, err := row.toModel()
		if err != nil {
			return nil, err
		}

		checkpoints = append(checkpoints, checkpoint)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// SQLite compares timestamps as text; settle ties within a stage on parsed times
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[j].Newer(checkpoints[i])
	})

	return checkpoints, nil
}

func (cr *CheckpointRepository) Delete(ctx context.Context, checkpointID string) error {
	result, err := cr.db.ExecContext(ctx,
		cr.db.Rebind(`DELETE FROM workflow_checkpoints WHERE checkpoint_id = ?`),
		checkpointID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NotFound("Delete", persistence.EntityCheckpoint, checkpointID)
	}

	return nil
}
