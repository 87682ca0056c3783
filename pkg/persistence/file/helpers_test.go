package file

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

func testHistoryEntry() *models.TaskHistoryEntry {
	return &models.TaskHistoryEntry{
		ProjectID:    "p1",
		TaskSequence: 1,
		EventType:    models.HistoryStatusChanged,
		EventData:    map[string]any{"previousStatus": "todo", "newStatus": "in_progress"},
		CreatedAt:    time.Now().UTC(),
	}
}
