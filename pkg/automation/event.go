package automation

import (
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
)

// ActorPrefix marks changes made by rule actions. A rule ignores events it caused itself.
const ActorPrefix = "automation:"

// Event is the input of a rule evaluation.
type Event struct {
	Trigger   models.RuleTriggerType
	ProjectID string
	// Task is nil for project-level events.
	Task *events.TaskSnapshot

	FromStatus       models.TaskStatus
	ToStatus         models.TaskStatus
	PreviousAssignee string
	HoursUntilDue    float64
	Actor            string

	Data       map[string]any
	OccurredAt time.Time
}

// TaskKey returns the key of the event's task and false for project-level events.
func (e Event) TaskKey() (models.TaskKey, bool) {
	if e.Task == nil {
		return models.TaskKey{}, false
	}

	return models.TaskKey{ProjectID: e.ProjectID, Sequence: e.Task.Sequence}, true
}

// CausedBy reports whether ruleID produced the event.
func (e Event) CausedBy(ruleID string) bool {
	return e.Actor != "" && e.Actor == ActorPrefix+ruleID
}

// FromBusEvent converts a decoded bus event into a rule evaluation input.
func FromBusEvent(raw any) (Event, bool) {
	switch e := raw.(type) {
	case *events.TaskCreated:
		return Event{
			Trigger:    models.RuleTriggerTaskCreated,
			ProjectID:  e.ProjectID,
			Task:       &e.Task,
			ToStatus:   e.Task.Status,
			OccurredAt: e.Timestamp,
		}, true
	case *events.TaskStatusChanged:
		return Event{
			Trigger:    models.RuleTriggerTaskStatusChanged,
			ProjectID:  e.ProjectID,
			Task:       &e.Task,
			FromStatus: e.PreviousStatus,
			ToStatus:   e.NewStatus,
			Actor:      e.Actor,
			Data:       map[string]any{"reason": e.Reason},
			OccurredAt: e.Timestamp,
		}, true
	case *events.TaskAssigned:
		return Event{
			Trigger:          models.RuleTriggerTaskAssigned,
			ProjectID:        e.ProjectID,
			Task:             &e.Task,
			PreviousAssignee: e.PreviousAssignee,
			Actor:            stringMeta(e.Metadata, "actor"),
			OccurredAt:       e.Timestamp,
		}, true
	case *events.TaskDueDateApproaching:
		return Event{
			Trigger:       models.RuleTriggerDueDateApproaching,
			ProjectID:     e.ProjectID,
			Task:          &e.Task,
			HoursUntilDue: e.HoursUntil,
			OccurredAt:    e.Timestamp,
		}, true
	case *events.ProjectCompleted:
		return Event{
			Trigger:    models.RuleTriggerProjectCompleted,
			ProjectID:  e.ProjectID,
			Data:       map[string]any{"total_tasks": e.TotalTasks},
			OccurredAt: e.Timestamp,
		}, true
	}

	return Event{}, false
}

// Fields flattens the event into the map conditions and templates read from.
// Task fields are reachable as "task.<name>" and, when unambiguous, by bare name.
func (e Event) Fields() map[string]any {
	fields := map[string]any{
		"trigger":           string(e.Trigger),
		"project_id":        e.ProjectID,
		"from_status":       string(e.FromStatus),
		"to_status":         string(e.ToStatus),
		"previous_assignee": e.PreviousAssignee,
		"hours_until_due":   e.HoursUntilDue,
		"actor":             e.Actor,
	}

	if e.Task != nil {
		task := map[string]any{
			"id":          e.Task.ID,
			"sequence":    e.Task.Sequence,
			"title":       e.Task.Title,
			"status":      string(e.Task.Status),
			"task_type":   string(e.Task.TaskType),
			"assignee_id": e.Task.AssigneeID,
		}

		if e.Task.DueDate != nil {
			task["due_date"] = e.Task.DueDate.Format(time.RFC3339)
		}

		fields["task"] = task
	}

	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}

	fields["data"] = data

	return fields
}

// lookup resolves a dotted path in fields, falling back to the task and data maps.
func lookup(fields map[string]any, path string) (any, bool) {
	if v, ok := walk(fields, path); ok {
		return v, true
	}

	for _, scope := range []string{"task", "data"} {
		if v, ok := walk(fields, scope+"."+path); ok {
			return v, true
		}
	}

	return nil, false
}

func walk(fields map[string]any, path string) (any, bool) {
	var current any = fields

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func stringMeta(metadata map[string]any, key string) string {
	v, _ := metadata[key].(string)

	return v
}
