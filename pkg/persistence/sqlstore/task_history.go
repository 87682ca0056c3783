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

const historyColumns = `id, project_id, task_sequence, event_type, event_data, metadata, created_at`

type historyRow struct {
	ID           int64     `db:"id"`
	ProjectID    string    `db:"project_id"`
	TaskSequence int       `db:"task_sequence"`
	EventType    string    `db:"event_type"`
	EventData    string    `db:"event_data"`
	Metadata     string    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *historyRow) toModel() (*models.TaskHistoryEntry, error) {
	entry := &models.TaskHistoryEntry{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		TaskSequence: r.TaskSequence,
		EventType:    models.HistoryEventType(r.EventType),
		CreatedAt:    r.CreatedAt,
	}

	if err := unmarshalJSON(r.EventData, &entry.EventData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event data of entry %d: %w", r.ID, err)
	}

	if err := unmarshalJSON(r.Metadata, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of entry %d: %w", r.ID, err)
	}

	return entry, nil
}

// TaskHistoryRepository handles the task history ledger.
type TaskHistoryRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewTaskHistoryRepository creates a new task history repository.
func NewTaskHistoryRepository(db *sqlx.DB, logger *slog.Logger) *TaskHistoryRepository {
	return &TaskHistoryRepository{db: db, logger: logger}
}

func (hr *TaskHistoryRepository) Append(ctx context.Context, entry *models.TaskHistoryEntry) error {
	eventDataJSON, err := marshalJSON(entry.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	metadataJSON, err := marshalJSON(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = hr.db.QueryRowxContext(ctx,
		hr.db.Rebind(`INSERT INTO task_history (project_id, task_sequence, event_type, event_data, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		entry.ProjectID, entry.TaskSequence, string(entry.EventType), eventDataJSON, metadataJSON, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

// ListByTask returns the most recent limit entries, oldest first.
func (hr *TaskHistoryRepository) ListByTask(ctx context.Context, projectID string, sequence int, limit int) ([]*models.TaskHistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM task_history
		WHERE project_id = ? AND task_sequence = ? ORDER BY id DESC`
	args := []any{projectID, sequence}

	if limit > 0 {
		query += ` LIMIT ?`

		args = append(args, limit)
	}

	entries, err := hr.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func (hr *TaskHistoryRepository) LatestByEventType(ctx context.Context, projectID string, sequence int, eventType models.HistoryEventType) (*models.TaskHistoryEntry, error) {
	var row historyRow

	err := hr.db.GetContext(ctx, &row,
		hr.db.Rebind(`SELECT `+historyColumns+` FROM task_history
			WHERE project_id = ? AND task_sequence = ? AND event_type = ?
			ORDER BY id DESC LIMIT 1`),
		projectID, sequence, string(eventType),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			key := models.TaskKey{ProjectID: projectID, Sequence: sequence}.String()

			return nil, persistence.NotFound("LatestByEventType", persistence.EntityHistoryEntry, key+"/"+string(eventType))
		}

		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}

	return row.toModel()
}

func (hr *TaskHistoryRepository) query(ctx context.Context, query string, args ...any) ([]*models.TaskHistoryEntry, error) {
	rows, err := hr.db.QueryxContext(ctx, hr.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	defer closeRows(ctx, hr.logger, rows)

	entries := make([]*models.TaskHistoryEntry, 0)

	for rows.Next() {
		var row historyRow

		err := rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entry, err := row.toModel()
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
