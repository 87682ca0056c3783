package models

import (
	"fmt"
	"time"
)

// RuleTriggerType names the event an automation rule reacts to.
type RuleTriggerType string

const (
	RuleTriggerTaskStatusChanged  RuleTriggerType = "task_status_changed"
	RuleTriggerTaskCreated        RuleTriggerType = "task_created"
	RuleTriggerTaskAssigned       RuleTriggerType = "task_assigned"
	RuleTriggerDueDateApproaching RuleTriggerType = "due_date_approaching"
	RuleTriggerProjectCompleted   RuleTriggerType = "project_completed"
)

// ConditionOperator compares an event field against a value.
type ConditionOperator string

const (
	ConditionEquals      ConditionOperator = "equals"
	ConditionContains    ConditionOperator = "contains"
	ConditionGreaterThan ConditionOperator = "greater_than"
	ConditionLessThan    ConditionOperator = "less_than"
)

// ActionType names a rule action kind.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionAssignTask       ActionType = "assign_task"
	ActionUpdateStatus     ActionType = "update_status"
	ActionCreateTask       ActionType = "create_task"
	ActionWebhook          ActionType = "webhook"
	ActionAIGenerate       ActionType = "ai_generate"
)

// AutomationRule is a standalone trigger/condition/action tuple.
// A nil ProjectID makes the rule global.
type AutomationRule struct {
	RuleID      string  `json:"rule_id"`
	ProjectID   *string `json:"project_id,omitempty"`
	Name        string  `json:"name"                  validate:"required,min=3"`
	Description string  `json:"description,omitempty"`
	Enabled     bool    `json:"enabled"`

	Trigger    RuleTrigger  `json:"trigger"`
	Conditions []Condition  `json:"conditions,omitempty"`
	Actions    []RuleAction `json:"actions"               validate:"required,min=1,dive"`

	ExecutionCount int64      `json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AppliesTo reports whether the rule is scoped to projectID or global.
func (r *AutomationRule) AppliesTo(projectID string) bool {
	return r.ProjectID == nil || *r.ProjectID == projectID
}

// RuleTrigger selects the events a rule reacts to. The optional filters only
// apply to the trigger type they belong to.
type RuleTrigger struct {
	Type RuleTriggerType `json:"type"`

	// task_status_changed filters; empty matches any status.
	FromStatus TaskStatus `json:"from_status,omitempty"`
	ToStatus   TaskStatus `json:"to_status,omitempty"`

	// due_date_approaching window in hours; zero uses the engine default.
	WithinHours int `json:"within_hours,omitempty"`
}

// Condition is a field/operator/value tuple evaluated against event data.
type Condition struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=equals contains greater_than less_than"`
	Value    any               `json:"value"`
}

// RuleAction is a tagged action: Type selects which config field is set.
type RuleAction struct {
	Type ActionType `json:"type" validate:"required"`

	Notification *NotificationConfig `json:"send_notification,omitempty"`
	AssignTask   *AssignTaskConfig   `json:"assign_task,omitempty"`
	UpdateStatus *UpdateStatusConfig `json:"update_status,omitempty"`
	CreateTask   *CreateTaskConfig   `json:"create_task,omitempty"`
	Webhook      *WebhookConfig      `json:"webhook,omitempty"`
	AIGenerate   *AIGenerateConfig   `json:"ai_generate,omitempty"`
}

// NotificationConfig configures send_notification. Title and Message are templates.
type NotificationConfig struct {
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
}

// AssignTaskConfig configures assign_task.
type AssignTaskConfig struct {
	AssigneeID string `json:"assignee_id"`
}

// UpdateStatusConfig configures update_status.
type UpdateStatusConfig struct {
	Status TaskStatus `json:"status"`
}

// CreateTaskConfig configures create_task. Title and Description are templates.
type CreateTaskConfig struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	TaskType     TaskType `json:"task_type,omitempty"`
	AssigneeID   string   `json:"assignee_id,omitempty"`
	Dependencies []int    `json:"dependencies,omitempty"`
}

// WebhookConfig configures webhook.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries int               `json:"retries,omitempty"`
}

// AIGenerateConfig configures ai_generate. Prompt is a template.
type AIGenerateConfig struct {
	Prompt      string `json:"prompt"`
	TargetField string `json:"target_field,omitempty"`
}

// Validate checks that exactly the config matching Type is set.
func (a *RuleAction) Validate() error {
	set := map[ActionType]bool{
		ActionSendNotification: a.Notification != nil,
		ActionAssignTask:       a.AssignTask != nil,
		ActionUpdateStatus:     a.UpdateStatus != nil,
		ActionCreateTask:       a.CreateTask != nil,
		ActionWebhook:          a.Webhook != nil,
		ActionAIGenerate:       a.AIGenerate != nil,
	}

	if _, known := set[a.Type]; !known {
		return NewValidationError("actions.type", fmt.Sprintf("unknown action type %q", a.Type))
	}

	for kind, present := range set {
		if kind == a.Type && !present {
			return NewValidationError("actions."+string(kind), "config is required")
		}

		if kind != a.Type && present {
			return NewValidationError("actions."+string(kind), fmt.Sprintf("not allowed on a %s action", a.Type))
		}
	}

	return nil
}

// Validate checks the trigger type and the filters that belong to it.
func (t *RuleTrigger) Validate() error {
	switch t.Type {
	case RuleTriggerTaskStatusChanged:
		for _, s := range []TaskStatus{t.FromStatus, t.ToStatus} {
			if s != "" && !s.Valid() {
				return NewValidationError("trigger.status", fmt.Sprintf("unknown task status %q", s))
			}
		}
	case RuleTriggerDueDateApproaching:
		if t.WithinHours < 0 {
			return NewValidationError("trigger.within_hours", "must not be negative")
		}
	case RuleTriggerTaskCreated, RuleTriggerTaskAssigned, RuleTriggerProjectCompleted:
	default:
		return NewValidationError("trigger.type", fmt.Sprintf("unknown trigger type %q", t.Type))
	}

	if t.Type != RuleTriggerTaskStatusChanged && (t.FromStatus != "" || t.ToStatus != "") {
		return NewValidationError("trigger.status", "status filters only apply to task_status_changed")
	}

	return nil
}
