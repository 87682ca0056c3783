// Package events defines the domain events published by the orchestration engine.
package events

import (
	"errors"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every domain event.
const Topic = "taskflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Task events.
	TaskCreatedEvent            EventType = "task.created"
	TaskStatusChangedEvent      EventType = "task.status_changed"
	TaskAssignedEvent           EventType = "task.assigned"
	TaskDueDateApproachingEvent EventType = "task.due_date_approaching"
	TaskDispatchedEvent         EventType = "task.dispatched"

	// Project events.
	ProjectCompletedEvent EventType = "project.completed"

	// Workflow execution events.
	WorkflowStatusChangedEvent EventType = "workflow.execution.status_changed"
	WorkflowCancelledEvent     EventType = "workflow.execution.cancelled"
)

var (
	ErrProjectIDRequired  = errors.New("project_id is required")
	ErrWorkflowIDRequired = errors.New("workflow_id is required")
	ErrSequenceRequired   = errors.New("task_sequence is required")
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, projectID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Metadata:  make(map[string]any),
	}
}

// TaskSnapshot is the task view carried by task events.
type TaskSnapshot struct {
	Sequence   int               `json:"sequence"`
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Status     models.TaskStatus `json:"status"`
	TaskType   models.TaskType   `json:"task_type"`
	AssigneeID string            `json:"assignee_id,omitempty"`
	DueDate    *time.Time        `json:"due_date,omitempty"`
}

func SnapshotOf(task *models.Task) TaskSnapshot {
	return TaskSnapshot{
		Sequence:   task.Sequence,
		ID:         task.ID,
		Title:      task.Title,
		Status:     task.Status,
		TaskType:   task.TaskType,
		AssigneeID: task.AssigneeID,
		DueDate:    task.DueDate,
	}
}

type TaskCreated struct {
	BaseEvent

	Task TaskSnapshot `json:"task"`
}

func NewTaskCreated(projectID string, task *models.Task) *TaskCreated {
	return &TaskCreated{BaseEvent: NewBaseEvent(TaskCreatedEvent, projectID), Task: SnapshotOf(task)}
}

func (e TaskCreated) GetType() EventType {
	return TaskCreatedEvent
}

func (e TaskCreated) Validate() error {
	return validateTask(e.ProjectID, e.Task)
}

type TaskStatusChanged struct {
	BaseEvent

	Task           TaskSnapshot      `json:"task"`
	PreviousStatus models.TaskStatus `json:"previous_status"`
	NewStatus      models.TaskStatus `json:"new_status"`
	Reason         string            `json:"reason,omitempty"`
	Actor          string            `json:"actor,omitempty"`
}

func NewTaskStatusChanged(task *models.Task, from, to models.TaskStatus) *TaskStatusChanged {
	return &TaskStatusChanged{
		BaseEvent:      NewBaseEvent(TaskStatusChangedEvent, task.ProjectID),
		Task:           SnapshotOf(task),
		PreviousStatus: from,
		NewStatus:      to,
	}
}

func (e TaskStatusChanged) GetType() EventType {
	return TaskStatusChangedEvent
}

func (e TaskStatusChanged) Validate() error {
	return validateTask(e.ProjectID, e.Task)
}

type TaskAssigned struct {
	BaseEvent

	Task             TaskSnapshot `json:"task"`
	PreviousAssignee string       `json:"previous_assignee,omitempty"`
}

func NewTaskAssigned(task *models.Task, previous string) *TaskAssigned {
	return &TaskAssigned{
		BaseEvent:        NewBaseEvent(TaskAssignedEvent, task.ProjectID),
		Task:             SnapshotOf(task),
		PreviousAssignee: previous,
	}
}

func (e TaskAssigned) GetType() EventType {
	return TaskAssignedEvent
}

type TaskDueDateApproaching struct {
	BaseEvent

	Task       TaskSnapshot `json:"task"`
	HoursUntil float64      `json:"hours_until"`
}

func NewTaskDueDateApproaching(task *models.Task, now time.Time) *TaskDueDateApproaching {
	e := &TaskDueDateApproaching{
		BaseEvent: NewBaseEvent(TaskDueDateApproachingEvent, task.ProjectID),
		Task:      SnapshotOf(task),
	}
	if task.DueDate != nil {
		e.HoursUntil = task.DueDate.Sub(now).Hours()
	}

	return e
}

func (e TaskDueDateApproaching) GetType() EventType {
	return TaskDueDateApproachingEvent
}

// TaskDispatched is published when a task was handed to the execution engine.
type TaskDispatched struct {
	BaseEvent

	Task       TaskSnapshot `json:"task"`
	Cause      string       `json:"cause"`
	WorkflowID string       `json:"workflow_id,omitempty"`
}

func (e TaskDispatched) GetType() EventType {
	return TaskDispatchedEvent
}

type ProjectCompleted struct {
	BaseEvent

	TotalTasks int `json:"total_tasks"`
}

func NewProjectCompleted(projectID string, total int) *ProjectCompleted {
	return &ProjectCompleted{BaseEvent: NewBaseEvent(ProjectCompletedEvent, projectID), TotalTasks: total}
}

func (e ProjectCompleted) GetType() EventType {
	return ProjectCompletedEvent
}

type WorkflowStatusChanged struct {
	BaseEvent

	WorkflowID     string                `json:"workflow_id"`
	PreviousStatus models.WorkflowStatus `json:"previous_status"`
	NewStatus      models.WorkflowStatus `json:"new_status"`
}

func (e WorkflowStatusChanged) GetType() EventType {
	return WorkflowStatusChangedEvent
}

// WorkflowCancelled asks the execution engine to stop in-flight work of a workflow.
type WorkflowCancelled struct {
	BaseEvent

	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

func NewWorkflowCancelled(projectID, workflowID, reason string) *WorkflowCancelled {
	return &WorkflowCancelled{
		BaseEvent:  NewBaseEvent(WorkflowCancelledEvent, projectID),
		WorkflowID: workflowID,
		Reason:     reason,
	}
}

func (e WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

func (e WorkflowCancelled) Validate() error {
	if e.ProjectID == "" {
		return ErrProjectIDRequired
	}

	if e.WorkflowID == "" {
		return ErrWorkflowIDRequired
	}

	return nil
}

func validateTask(projectID string, task TaskSnapshot) error {
	if projectID == "" {
		return ErrProjectIDRequired
	}

	if task.Sequence <= 0 {
		return ErrSequenceRequired
	}

	return nil
}
