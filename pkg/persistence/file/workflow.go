package file

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// WorkflowExecutionRepository handles workflow execution file operations.
type WorkflowExecutionRepository struct {
	root string // File system root for storing workflow executions
	mu   sync.Mutex
}

// NewWorkflowExecutionRepository creates a new workflow execution repository.
func NewWorkflowExecutionRepository(root string) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{root: root}
}

func (wr *WorkflowExecutionRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowExecutionRepository) path(workflowID string) string {
	return filepath.Join(wr.dir(), workflowID+".json")
}

// Create stores a new execution with Version 1.
func (wr *WorkflowExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) error {
	if err := validateID("workflow", execution.WorkflowID); err != nil {
		return persistence.NewError("Create", persistence.EntityWorkflowExecution, execution.WorkflowID, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()

	var existing models.WorkflowExecution

	found, err := readJSON(wr.path(execution.WorkflowID), &existing)
	if err != nil {
		return err
	}

	if found {
		return persistence.NewError("Create", persistence.EntityWorkflowExecution, execution.WorkflowID, persistence.ErrAlreadyExists)
	}

	execution.Version = 1

	return writeJSON(wr.path(execution.WorkflowID), execution)
}

func (wr *WorkflowExecutionRepository) GetByID(_ context.Context, workflowID string) (*models.WorkflowExecution, error) {
	if err := validateID("workflow", workflowID); err != nil {
		return nil, persistence.NewError("GetByID", persistence.EntityWorkflowExecution, workflowID, err)
	}

	var execution models.WorkflowExecution

	found, err := readJSON(wr.path(workflowID), &execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NotFound("GetByID", persistence.EntityWorkflowExecution, workflowID)
	}

	return &execution, nil
}

// ListByProject returns the executions of a project, newest first.
func (wr *WorkflowExecutionRepository) ListByProject(_ context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	all, err := readAll[models.WorkflowExecution](wr.dir())
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0, len(all))

	for _, e := range all {
		if e.ProjectID == projectID {
			executions = append(executions, e)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].WorkflowID < executions[j].WorkflowID
		}

		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	return executions, nil
}

// Update compares Version with the stored document and bumps it on success.
func (wr *WorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	stored, err := wr.GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return err
	}

	if stored.Version != execution.Version {
		return persistence.NewError("Update", persistence.EntityWorkflowExecution, execution.WorkflowID, persistence.ErrConflict)
	}

	execution.Version++

	err = writeJSON(wr.path(execution.WorkflowID), execution)
	if err != nil {
		execution.Version--

		return err
	}

	return nil
}

func (wr *WorkflowExecutionRepository) Delete(_ context.Context, workflowID string) error {
	if err := validateID("workflow", workflowID); err != nil {
		return persistence.NewError("Delete", persistence.EntityWorkflowExecution, workflowID, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()

	removed, err := removeFile(wr.path(workflowID))
	if err != nil {
		return err
	}

	if !removed {
		return persistence.NotFound("Delete", persistence.EntityWorkflowExecution, workflowID)
	}

	return nil
}
