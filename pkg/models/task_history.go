package models

import "time"

// HistoryEventType is the closed set of lifecycle events recorded for a task.
type HistoryEventType string

const (
	HistoryExecutionStarted    HistoryEventType = "execution_started"
	HistoryExecutionCompleted  HistoryEventType = "execution_completed"
	HistoryExecutionFailed     HistoryEventType = "execution_failed"
	HistoryAIReviewRequested   HistoryEventType = "ai_review_requested"
	HistoryAIReviewCompleted   HistoryEventType = "ai_review_completed"
	HistoryPromptRefined       HistoryEventType = "prompt_refined"
	HistoryStatusChanged       HistoryEventType = "status_changed"
	HistoryApprovalRequested   HistoryEventType = "approval_requested"
	HistoryApprovalApproved    HistoryEventType = "approval_approved"
	HistoryApprovalRejected    HistoryEventType = "approval_rejected"
	HistoryReviewCompleted     HistoryEventType = "review_completed"
	HistoryChangesRequested    HistoryEventType = "changes_requested"
	HistoryPaused              HistoryEventType = "paused"
	HistoryResumed             HistoryEventType = "resumed"
	HistoryStopped             HistoryEventType = "stopped"
	HistoryTransitionRejected  HistoryEventType = "transition_rejected"
	HistoryValidationFailed    HistoryEventType = "validation_failed"
	HistoryAutomationActionRun HistoryEventType = "automation_action_run"
)

var historyEventTypes = map[HistoryEventType]struct{}{
	HistoryExecutionStarted:    {},
	HistoryExecutionCompleted:  {},
	HistoryExecutionFailed:     {},
	HistoryAIReviewRequested:   {},
	HistoryAIReviewCompleted:   {},
	HistoryPromptRefined:       {},
	HistoryStatusChanged:       {},
	HistoryApprovalRequested:   {},
	HistoryApprovalApproved:    {},
	HistoryApprovalRejected:    {},
	HistoryReviewCompleted:     {},
	HistoryChangesRequested:    {},
	HistoryPaused:              {},
	HistoryResumed:             {},
	HistoryStopped:             {},
	HistoryTransitionRejected:  {},
	HistoryValidationFailed:    {},
	HistoryAutomationActionRun: {},
}

// Valid reports whether t belongs to the closed set of history events.
func (t HistoryEventType) Valid() bool {
	_, ok := historyEventTypes[t]

	return ok
}

// TaskHistoryEntry is an append-only ledger entry owned by a task.
type TaskHistoryEntry struct {
	ID           int64            `json:"id"`
	ProjectID    string           `json:"project_id"`
	TaskSequence int              `json:"task_sequence"`
	EventType    HistoryEventType `json:"event_type"`
	EventData    map[string]any   `json:"event_data,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
