// Package checkpoint keeps resumable snapshots of long-running workflow executions.
package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// DefaultKeep is the number of checkpoints Cleanup retains when keep is unset.
	DefaultKeep = 5
	// MinKeep is the floor for an explicit keep count; the newest checkpoint always survives.
	MinKeep = 1
)

type Manager struct {
	repo     persistence.CheckpointRepository
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(repo persistence.CheckpointRepository, logger *slog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		validate: validator.New(),
		logger:   logger.With("module", "checkpoint"),
		now:      time.Now,
	}
}

// Create stores checkpoint, generating its ID and creation time when absent.
func (m *Manager) Create(ctx context.Context, checkpoint *models.WorkflowCheckpoint) (*models.WorkflowCheckpoint, error) {
	if err := m.validate.Struct(checkpoint); err != nil {
		return nil, models.NewValidationError("checkpoint", err.Error())
	}

	if checkpoint.CheckpointID == "" {
		checkpoint.CheckpointID = uuid.New().String()
	}

	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = m.now().UTC()
	}

	if checkpoint.CompletedTaskIDs == nil {
		checkpoint.CompletedTaskIDs = []string{}
	}

	if err := m.repo.Create(ctx, checkpoint); err != nil {
		return nil, err
	}

	m.logger.DebugContext(ctx, "checkpoint created",
		"workflow_id", checkpoint.WorkflowID,
		"checkpoint_id", checkpoint.CheckpointID,
		"stage_index", checkpoint.StageIndex)

	return checkpoint, nil
}

func (m *Manager) Get(ctx context.Context, checkpointID string) (*models.WorkflowCheckpoint, error) {
	return m.repo.GetByID(ctx, checkpointID)
}

// List returns the checkpoints of a workflow, oldest first.
func (m *Manager) List(ctx context.Context, workflowID string) ([]*models.WorkflowCheckpoint, error) {
	return m.repo.ListByWorkflow(ctx, workflowID)
}

// GetLatest returns the checkpoint with the highest stage index, the newest among equals.
func (m *Manager) GetLatest(ctx context.Context, workflowID string) (*models.WorkflowCheckpoint, error) {
	checkpoints, err := m.repo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var latest *models.WorkflowCheckpoint

	for _, c := range checkpoints {
		if latest == nil || c.Newer(latest) {
			latest = c
		}
	}

	if latest == nil {
		return nil, persistence.NotFound("GetLatest", persistence.EntityCheckpoint, workflowID)
	}

	return latest, nil
}

// Cleanup deletes all but the keep newest checkpoints of a workflow, oldest first, and
// returns how many were deleted. keep 0 means DefaultKeep; negative counts are raised to MinKeep.
func (m *Manager) Cleanup(ctx context.Context, workflowID string, keep int) (int, error) {
	switch {
	case keep == 0:
		keep = DefaultKeep
	case keep < MinKeep:
		keep = MinKeep
	}

	checkpoints, err := m.repo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	if len(checkpoints) <= keep {
		return 0, nil
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[j].Newer(checkpoints[i])
	})

	deleted := 0

	for _, c := range checkpoints[:len(checkpoints)-keep] {
		if err := m.repo.Delete(ctx, c.CheckpointID); err != nil && !persistence.IsNotFound(err) {
			return deleted, err
		}

		deleted++
	}

	m.logger.InfoContext(ctx, "checkpoints cleaned up", "workflow_id", workflowID, "deleted", deleted, "kept", keep)

	return deleted, nil
}

// DeleteAll removes every checkpoint of a workflow, used when the execution itself is deleted.
func (m *Manager) DeleteAll(ctx context.Context, workflowID string) error {
	checkpoints, err := m.repo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	for _, c := range checkpoints {
		if err := m.repo.Delete(ctx, c.CheckpointID); err != nil && !persistence.IsNotFound(err) {
			return err
		}
	}

	return nil
}
