package models

import "time"

// WorkflowCheckpoint is a durable snapshot used to resume a workflow after a crash.
// Checkpoints are never updated, only created and deleted.
type WorkflowCheckpoint struct {
	CheckpointID        string         `json:"checkpoint_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	WorkflowID          string         `json:"workflow_id"           validate:"required"`
	StageIndex          int            `json:"stage_index"           validate:"min=0"`
	CompletedTaskIDs    []string       `json:"completed_task_ids"`
	Context             map[string]any `json:"context,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Newer reports whether c sorts after other: higher stage first, then later creation.
func (c *WorkflowCheckpoint) Newer(other *WorkflowCheckpoint) bool {
	if c.StageIndex != other.StageIndex {
		return c.StageIndex > other.StageIndex
	}

	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.After(other.CreatedAt)
	}

	return c.CheckpointID > other.CheckpointID
}
