// Package file provides file-based persistence implementation for tasks, workflow executions,
// checkpoints, automation rules and task history.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/taskflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every entity is stored as one JSON document below root.
type Persistence struct {
	root           string
	taskRepo       *TaskRepository
	workflowRepo   *WorkflowExecutionRepository
	checkpointRepo *CheckpointRepository
	ruleRepo       *AutomationRuleRepository
	historyRepo    *TaskHistoryRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		taskRepo:       NewTaskRepository(cleanRoot),
		workflowRepo:   NewWorkflowExecutionRepository(cleanRoot),
		checkpointRepo: NewCheckpointRepository(cleanRoot),
		ruleRepo:       NewAutomationRuleRepository(cleanRoot),
		historyRepo:    NewTaskHistoryRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) TaskRepository() persistence.TaskRepository {
	return fp.taskRepo
}

func (fp *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return fp.workflowRepo
}

func (fp *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return fp.checkpointRepo
}

func (fp *Persistence) AutomationRuleRepository() persistence.AutomationRuleRepository {
	return fp.ruleRepo
}

func (fp *Persistence) TaskHistoryRepository() persistence.TaskHistoryRepository {
	return fp.historyRepo
}

// validateID validates that an identifier is safe to use as a path element.
func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%s ID contains invalid characters", kind)
	}

	return nil
}

// writeJSON writes v to path through a temporary file so readers never see a partial document.
func writeJSON(path string, v any) error {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return os.Rename(tmp, path)
}

// readJSON decodes path into v. It reports false when the file does not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path elements are validated by validateID
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}

	return true, nil
}

// readAll decodes every JSON document of dir. A missing directory yields no documents.
func readAll[T any](dir string) ([]*T, error) {
	jsonFiles, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	items := make([]*T, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		item := new(T)

		found, err := readJSON(file, item)
		if err != nil {
			return nil, err
		}

		if found {
			items = append(items, item)
		}
	}

	return items, nil
}

// subdirs lists the directory names directly below dir.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

func removeFile(path string) (bool, error) {
	err := os.Remove(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}

	return true, nil
}
