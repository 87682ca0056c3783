package file

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// CheckpointRepository stores checkpoints as checkpoints/<workflow>/<checkpoint>.json.
type CheckpointRepository struct {
	root string
	mu   sync.Mutex
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(root string) *CheckpointRepository {
	return &CheckpointRepository{root: root}
}

func (cr *CheckpointRepository) workflowDir(workflowID string) string {
	return filepath.Join(cr.root, "checkpoints", workflowID)
}

func (cr *CheckpointRepository) Create(_ context.Context, checkpoint *models.WorkflowCheckpoint) error {
	if err := validateID("workflow", checkpoint.WorkflowID); err != nil {
		return persistence.NewError("Create", persistence.EntityCheckpoint, checkpoint.CheckpointID, err)
	}

	if err := validateID("checkpoint", checkpoint.CheckpointID); err != nil {
		return persistence.NewError("Create", persistence.EntityCheckpoint, checkpoint.CheckpointID, err)
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	if _, err := cr.find(checkpoint.CheckpointID); err == nil {
		return persistence.NewError("Create", persistence.EntityCheckpoint, checkpoint.CheckpointID, persistence.ErrAlreadyExists)
	}

	path := filepath.Join(cr.workflowDir(checkpoint.WorkflowID), checkpoint.CheckpointID+".json")

	return writeJSON(path, checkpoint)
}

func (cr *CheckpointRepository) GetByID(_ context.Context, checkpointID string) (*models.WorkflowCheckpoint, error) {
	if err := validateID("checkpoint", checkpointID); err != nil {
		return nil, persistence.NewError("GetByID", persistence.EntityCheckpoint, checkpointID, err)
	}

	path, err := cr.find(checkpointID)
	if err != nil {
		return nil, err
	}

	var checkpoint models.WorkflowCheckpoint

	found, err := readJSON(path, &checkpoint)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NotFound("GetByID", persistence.EntityCheckpoint, checkpointID)
	}

	return &checkpoint, nil
}

// find locates the file of a checkpoint across workflow directories.
func (cr *CheckpointRepository) find(checkpointID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(cr.root, "checkpoints", "*", checkpointID+".json"))
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "", persistence.NotFound("GetByID", persistence.EntityCheckpoint, checkpointID)
	}

	return matches[0], nil
}

func (cr *CheckpointRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowCheckpoint, error) {
	if err := validateID("workflow", workflowID); err != nil {
		return nil, persistence.NewError("ListByWorkflow", persistence.EntityCheckpoint, workflowID, err)
	}

	checkpoints, err := readAll[models.WorkflowCheckpoint](cr.workflowDir(workflowID))
	if err != nil {
		return nil, err
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[j].Newer(checkpoints[i])
	})

	return checkpoints, nil
}

func (cr *CheckpointRepository) Delete(_ context.Context, checkpointID string) error {
	if err := validateID("checkpoint", checkpointID); err != nil {
		return persistence.NewError("Delete", persistence.EntityCheckpoint, checkpointID, err)
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	path, err := cr.find(checkpointID)
	if err != nil {
		return err
	}

	_, err = removeFile(path)

	return err
}
