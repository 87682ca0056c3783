package file

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// TaskHistoryRepository stores one file per entry below history/<project>/<sequence>/.
// Entry IDs are global and monotonic; the counter is recovered from disk on first use.
type TaskHistoryRepository struct {
	root   string
	mu     sync.Mutex
	lastID int64
	loaded bool
}

// NewTaskHistoryRepository creates a new task history repository.
func NewTaskHistoryRepository(root string) *TaskHistoryRepository {
	return &TaskHistoryRepository{root: root}
}

func (hr *TaskHistoryRepository) taskDir(projectID string, sequence int) string {
	return filepath.Join(hr.root, "history", projectID, strconv.Itoa(sequence))
}

func (hr *TaskHistoryRepository) loadLastID() error {
	if hr.loaded {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(hr.root, "history", "*", "*", "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan history: %w", err)
	}

	for _, file := range files {
		name := filepath.Base(file)

		id, err := strconv.ParseInt(name[:len(name)-len(".json")], 10, 64)
		if err == nil && id > hr.lastID {
			hr.lastID = id
		}
	}

	hr.loaded = true

	return nil
}

func (hr *TaskHistoryRepository) Append(_ context.Context, entry *models.TaskHistoryEntry) error {
	if err := validateID("project", entry.ProjectID); err != nil {
		return persistence.NewError("Append", persistence.EntityHistoryEntry, "", err)
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()

	if err := hr.loadLastID(); err != nil {
		return err
	}

	hr.lastID++
	entry.ID = hr.lastID

	path := filepath.Join(hr.taskDir(entry.ProjectID, entry.TaskSequence), fmt.Sprintf("%020d.json", entry.ID))

	return writeJSON(path, entry)
}

// ListByTask returns the most recent limit entries, oldest first.
func (hr *TaskHistoryRepository) ListByTask(_ context.Context, projectID string, sequence int, limit int) ([]*models.TaskHistoryEntry, error) {
	if err := validateID("project", projectID); err != nil {
		return nil, persistence.NewError("ListByTask", persistence.EntityHistoryEntry, "", err)
	}

	entries, err := readAll[models.TaskHistoryEntry](hr.taskDir(projectID, sequence))
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return entries, nil
}

func (hr *TaskHistoryRepository) LatestByEventType(ctx context.Context, projectID string, sequence int, eventType models.HistoryEventType) (*models.TaskHistoryEntry, error) {
	entries, err := hr.ListByTask(ctx, projectID, sequence, 0)
	if err != nil {
		return nil, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].EventType == eventType {
			return entries[i], nil
		}
	}

	key := models.TaskKey{ProjectID: projectID, Sequence: sequence}.String()

	return nil, persistence.NotFound("LatestByEventType", persistence.EntityHistoryEntry, key+"/"+string(eventType))
}
