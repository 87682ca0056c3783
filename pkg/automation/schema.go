package automation

import (
	"fmt"
	"strings"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var taskStatusEnum = []any{"todo", "in_progress", "needs_approval", "in_review", "done", "blocked"}

// actionSchemas are the JSON schemas of each action's config.
var actionSchemas = map[models.ActionType]map[string]any{
	models.ActionSendNotification: {
		"type":     "object",
		"required": []any{"title", "message"},
		"properties": map[string]any{
			"channel":    map[string]any{"type": "string"},
			"recipients": map[string]any{"type": []any{"array", "null"}, "items": map[string]any{"type": "string", "minLength": 1}},
			"title":      map[string]any{"type": "string", "minLength": 1},
			"message":    map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.ActionAssignTask: {
		"type":     "object",
		"required": []any{"assignee_id"},
		"properties": map[string]any{
			"assignee_id": map[string]any{"type": "string", "minLength": 1},
		},
	},
	models.ActionUpdateStatus: {
		"type":     "object",
		"required": []any{"status"},
		"properties": map[string]any{
			"status": map[string]any{"type": "string", "enum": taskStatusEnum},
		},
	},
	models.ActionCreateTask: {
		"type":     "object",
		"required": []any{"title"},
		"properties": map[string]any{
			"title":        map[string]any{"type": "string", "minLength": 1},
			"description":  map[string]any{"type": "string"},
			"task_type":    map[string]any{"type": "string", "enum": []any{"", "ai", "script", "manual"}},
			"assignee_id":  map[string]any{"type": "string"},
			"dependencies": map[string]any{"type": []any{"array", "null"}, "items": map[string]any{"type": "integer", "minimum": 1}},
		},
	},
	models.ActionWebhook: {
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "pattern": "^https?://"},
			"method":  map[string]any{"type": "string", "enum": []any{"", "POST", "PUT", "PATCH", "post", "put", "patch"}},
			"headers": map[string]any{"type": []any{"object", "null"}, "additionalProperties": map[string]any{"type": "string"}},
			"retries": map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
		},
	},
	models.ActionAIGenerate: {
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":       map[string]any{"type": "string", "minLength": 1},
			"target_field": map[string]any{"type": "string", "enum": []any{"", "title", "description"}},
		},
	},
}

// ActionSchema returns the JSON schema of an action type's config.
func ActionSchema(actionType models.ActionType) (map[string]any, bool) {
	schema, ok := actionSchemas[actionType]

	return schema, ok
}

// validateActionConfig checks the tagged config of action against its JSON schema.
func validateActionConfig(index int, action models.RuleAction) error {
	field := fmt.Sprintf("actions[%d]", index)

	if err := action.Validate(); err != nil {
		return err
	}

	schema, ok := actionSchemas[action.Type]
	if !ok {
		return models.NewValidationError(field, fmt.Sprintf("no schema for action type %q", action.Type))
	}

	var config any

	switch action.Type {
	case models.ActionSendNotification:
		config = action.Notification
	case models.ActionAssignTask:
		config = action.AssignTask
	case models.ActionUpdateStatus:
		config = action.UpdateStatus
	case models.ActionCreateTask:
		config = action.CreateTask
	case models.ActionWebhook:
		config = action.Webhook
	case models.ActionAIGenerate:
		config = action.AIGenerate
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate %s config: %w", action.Type, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}

		return models.NewValidationError(field+"."+string(action.Type), strings.Join(problems, "; "))
	}

	return nil
}
