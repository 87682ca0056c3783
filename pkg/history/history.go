// Package history records the append-only event ledger of each task.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Service validates and appends task history entries.
type Service struct {
	repo   persistence.TaskHistoryRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a history service.
func NewService(repo persistence.TaskHistoryRepository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With("module", "history"),
		now:    time.Now,
	}
}

// Append records an event for a task. Unknown event types are rejected.
func (s *Service) Append(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType, data, metadata map[string]any) (*models.TaskHistoryEntry, error) {
	if !eventType.Valid() {
		return nil, models.NewValidationError("event_type", fmt.Sprintf("unknown history event %q", eventType))
	}

	if key.ProjectID == "" || key.Sequence <= 0 {
		return nil, models.NewValidationError("task", "project and sequence are required")
	}

	entry := &models.TaskHistoryEntry{
		ProjectID:    key.ProjectID,
		TaskSequence: key.Sequence,
		EventType:    eventType,
		EventData:    data,
		Metadata:     metadata,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append %s for task %s: %w", eventType, key, err)
	}

	s.logger.DebugContext(ctx, "history entry recorded", "task", key.String(), "event_type", eventType, "id", entry.ID)

	return entry, nil
}

// Record appends an entry and logs failures instead of returning them. It is used on paths
// where the primary operation already succeeded or already failed for another reason.
func (s *Service) Record(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType, data map[string]any) {
	if _, err := s.Append(ctx, key, eventType, data, nil); err != nil {
		s.logger.ErrorContext(ctx, "failed to record history", "task", key.String(), "event_type", eventType, "error", err)
	}
}

// ListByTask returns the most recent limit entries of a task, oldest first. limit <= 0 returns all.
func (s *Service) ListByTask(ctx context.Context, key models.TaskKey, limit int) ([]*models.TaskHistoryEntry, error) {
	entries, err := s.repo.ListByTask(ctx, key.ProjectID, key.Sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for task %s: %w", key, err)
	}

	return entries, nil
}

// LatestByEventType returns the newest entry of eventType for a task.
func (s *Service) LatestByEventType(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType) (*models.TaskHistoryEntry, error) {
	if !eventType.Valid() {
		return nil, models.NewValidationError("event_type", fmt.Sprintf("unknown history event %q", eventType))
	}

	return s.repo.LatestByEventType(ctx, key.ProjectID, key.Sequence, eventType)
}
