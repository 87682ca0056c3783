package file

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/google/uuid"
)

// TaskRepository stores tasks as tasks/<project>/<sequence>.json.
type TaskRepository struct {
	root string
	mu   sync.Mutex
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(root string) *TaskRepository {
	return &TaskRepository{root: root}
}

func (tr *TaskRepository) projectDir(projectID string) string {
	return filepath.Join(tr.root, "tasks", projectID)
}

func (tr *TaskRepository) taskPath(projectID string, sequence int) string {
	return filepath.Join(tr.projectDir(projectID), strconv.Itoa(sequence)+".json")
}

// Create stores a new task, allocating max(sequence)+1 when Sequence is zero.
func (tr *TaskRepository) Create(_ context.Context, task *models.Task) error {
	if err := validateID("project", task.ProjectID); err != nil {
		return persistence.NewError("Create", persistence.EntityTask, task.ProjectID, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	// deleted tasks keep their sequence reserved
	existing, err := readAll[models.Task](tr.projectDir(task.ProjectID))
	if err != nil {
		return err
	}

	if task.Sequence == 0 {
		next := 1
		for _, t := range existing {
			if t.Sequence >= next {
				next = t.Sequence + 1
			}
		}

		task.Sequence = next
	} else {
		for _, t := range existing {
			if t.Sequence == task.Sequence {
				return persistence.NewError("Create", persistence.EntityTask, task.Key().String(), persistence.ErrAlreadyExists)
			}
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	task.Version = 1

	return writeJSON(tr.taskPath(task.ProjectID, task.Sequence), task)
}

// GetByKey returns the task, including soft-deleted ones.
func (tr *TaskRepository) GetByKey(_ context.Context, projectID string, sequence int) (*models.Task, error) {
	key := models.TaskKey{ProjectID: projectID, Sequence: sequence}.String()

	if err := validateID("project", projectID); err != nil {
		return nil, persistence.NewError("GetByKey", persistence.EntityTask, key, err)
	}

	var task models.Task

	found, err := readJSON(tr.taskPath(projectID, sequence), &task)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NotFound("GetByKey", persistence.EntityTask, key)
	}

	return &task, nil
}

func (tr *TaskRepository) ListByProject(_ context.Context, projectID string) ([]*models.Task, error) {
	if err := validateID("project", projectID); err != nil {
		return nil, persistence.NewError("ListByProject", persistence.EntityTask, projectID, err)
	}

	return tr.listProject(projectID)
}

func (tr *TaskRepository) listProject(projectID string) ([]*models.Task, error) {
	all, err := readAll[models.Task](tr.projectDir(projectID))
	if err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, 0, len(all))

	for _, t := range all {
		if !t.IsDeleted() {
			tasks = append(tasks, t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Sequence < tasks[j].Sequence
	})

	return tasks, nil
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

func (tr *TaskRepository) ListScheduled(_ context.Context) ([]*models.Task, error) {
	return tr.scan(func(t *models.Task) bool {
		return t.TriggerConfig != nil && t.TriggerConfig.Schedule != nil
	})
}

func (tr *TaskRepository) ListDueBetween(_ context.Context, from, to time.Time) ([]*models.Task, error) {
	return tr.scan(func(t *models.Task) bool {
		return t.DueDate != nil && t.Status != models.TaskStatusDone &&
			!t.DueDate.Before(from) && !t.DueDate.After(to)
	})
}

// scan walks all projects and returns non-deleted tasks accepted by keep.
func (tr *TaskRepository) scan(keep func(*models.Task) bool) ([]*models.Task, error) {
	projects, err := subdirs(filepath.Join(tr.root, "tasks"))
	if err != nil {
		return nil, err
	}

	sort.Strings(projects)

	result := make([]*models.Task, 0)

	for _, projectID := range projects {
		tasks, err := tr.listProject(projectID)
		if err != nil {
			return nil, err
		}

		for _, t := range tasks {
			if keep(t) {
				result = append(result, t)
			}
		}
	}

	return result, nil
}

// Update compares Version with the stored document and bumps it on success.
func (tr *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	stored, err := tr.GetByKey(ctx, task.ProjectID, task.Sequence)
	if err != nil {
		return err
	}

	if stored.Version != task.Version {
		return persistence.NewError("Update", persistence.EntityTask, task.Key().String(), persistence.ErrConflict)
	}

	task.Version++

	err = writeJSON(tr.taskPath(task.ProjectID, task.Sequence), task)
	if err != nil {
		task.Version--

		return err
	}

	return nil
}

func (tr *TaskRepository) SoftDelete(ctx context.Context, projectID string, sequence int) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	task, err := tr.GetByKey(ctx, projectID, sequence)
	if err != nil {
		return err
	}

	if task.IsDeleted() {
		return nil
	}

	now := time.Now().UTC()
	task.DeletedAt = &now
	task.UpdatedAt = now
	task.Version++

	return writeJSON(tr.taskPath(projectID, sequence), task)
}
