package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/template"
)

var (
	// ErrNoTask is returned by task actions evaluated on a project-level event.
	ErrNoTask = errors.New("action requires a task event")
	// ErrNotConfigured is returned when an action's collaborator was not provided.
	ErrNotConfigured = errors.New("action collaborator not configured")
)

// TaskStore is the task surface rule actions need.
type TaskStore interface {
	Get(ctx context.Context, key models.TaskKey) (*models.Task, error)
	Create(ctx context.Context, task *models.Task) (*models.Task, error)
	Update(ctx context.Context, task *models.Task) (*models.Task, error)
	Assign(ctx context.Context, key models.TaskKey, assigneeID, actor string) (*models.Task, error)
}

// StatusChanger applies task status transitions.
type StatusChanger interface {
	Transition(ctx context.Context, key models.TaskKey, to models.TaskStatus, opts lifecycle.Options) (*models.Task, error)
}

type GenerateRequest struct {
	ProjectID    string
	TaskSequence int
	Prompt       string
}

// Generator produces text through the AI execution engine.
type Generator interface {
	Generate(ctx context.Context, request GenerateRequest) (string, error)
}

// Dependencies are the collaborators of the built-in actions. Nil collaborators make the
// matching actions fail with ErrNotConfigured.
type Dependencies struct {
	Tasks     TaskStore
	Status    StatusChanger
	Notifier  Notifier
	Generator Generator

	HTTPClient        *http.Client
	WebhookRetries    int
	WebhookRetryDelay time.Duration

	Logger *slog.Logger
}

// RegisterBuiltins registers every built-in action type on r.
func RegisterBuiltins(r *Registry, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r.Register(models.ActionSendNotification, func(action models.RuleAction) (Action, error) {
		return notificationAction(action.Notification, deps.Notifier), nil
	})
	r.Register(models.ActionAssignTask, func(action models.RuleAction) (Action, error) {
		return assignAction(action.AssignTask, deps.Tasks), nil
	})
	r.Register(models.ActionUpdateStatus, func(action models.RuleAction) (Action, error) {
		return updateStatusAction(action.UpdateStatus, deps.Status), nil
	})
	r.Register(models.ActionCreateTask, func(action models.RuleAction) (Action, error) {
		return createTaskAction(action.CreateTask, deps.Tasks), nil
	})
	r.Register(models.ActionWebhook, func(action models.RuleAction) (Action, error) {
		return NewWebhookAction(action.Webhook, deps.HTTPClient, deps.WebhookRetries, deps.WebhookRetryDelay, deps.Logger)
	})
	r.Register(models.ActionAIGenerate, func(action models.RuleAction) (Action, error) {
		return aiGenerateAction(action.AIGenerate, deps.Generator, deps.Tasks), nil
	})
}

func notificationAction(config *models.NotificationConfig, notifier Notifier) Action {
	return ActionFunc(func(ctx context.Context, rule *models.AutomationRule, event Event) (any, error) {
		if notifier == nil {
			return nil, fmt.Errorf("send_notification: %w", ErrNotConfigured)
		}

		fields := event.Fields()

		title, err := template.RenderString(config.Title, fields)
		if err != nil {
			return nil, fmt.Errorf("send_notification title: %w", err)
		}

		message, err := template.RenderString(config.Message, fields)
		if err != nil {
			return nil, fmt.Errorf("send_notification message: %w", err)
		}

		notification := Notification{
			RuleID:     rule.RuleID,
			ProjectID:  event.ProjectID,
			Channel:    config.Channel,
			Recipients: config.Recipients,
			Title:      title,
			Message:    message,
		}

		if event.Task != nil {
			notification.TaskSequence = event.Task.Sequence
		}

		if err := notifier.Notify(ctx, notification); err != nil {
			return nil, fmt.Errorf("send_notification: %w", err)
		}

		return map[string]any{"title": title, "message": message}, nil
	})
}

func assignAction(config *models.AssignTaskConfig, tasks TaskStore) Action {
	return ActionFunc(func(ctx context.Context, rule *models.AutomationRule, event Event) (any, error) {
		key, ok := event.TaskKey()
		if !ok {
			return nil, fmt.Errorf("assign_task: %w", ErrNoTask)
		}

		if tasks == nil {
			return nil, fmt.Errorf("assign_task: %w", ErrNotConfigured)
		}

		task, err := tasks.Assign(ctx, key, config.AssigneeID, ActorPrefix+rule.RuleID)
		if err != nil {
			return nil, fmt.Errorf("assign_task: %w", err)
		}

		return map[string]any{"assignee_id": task.AssigneeID}, nil
	})
}

func updateStatusAction(config *models.UpdateStatusConfig, status StatusChanger) Action {
	return ActionFunc(func(ctx context.Context, rule *models.AutomationRule, event Event) (any, error) {
		key, ok := event.TaskKey()
		if !ok {
			return nil, fmt.Errorf("update_status: %w", ErrNoTask)
		}

		if status == nil {
			return nil, fmt.Errorf("update_status: %w", ErrNotConfigured)
		}

		task, err := status.Transition(ctx, key, config.Status, lifecycle.Options{
			Reason: "automation rule " + rule.Name,
			Actor:  ActorPrefix + rule.RuleID,
		})
		if err != nil {
			return nil, fmt.Errorf("update_status: %w", err)
		}

		return map[string]any{"status": string(task.Status)}, nil
	})
}

func createTaskAction(config *models.CreateTaskConfig, tasks TaskStore) Action {
	return ActionFunc(func(ctx context.Context, _ *models.AutomationRule, event Event) (any, error) {
		if tasks == nil {
			return nil, fmt.Errorf("create_task: %w", ErrNotConfigured)
		}

		fields := event.Fields()

		title, err := template.RenderString(config.Title, fields)
		if err != nil {
			return nil, fmt.Errorf("create_task title: %w", err)
		}

		description, err := template.RenderString(config.Description, fields)
		if err != nil {
			return nil, fmt.Errorf("create_task description: %w", err)
		}

		taskType := config.TaskType
		if taskType == "" {
			taskType = models.TaskTypeManual
		}

		task, err := tasks.Create(ctx, &models.Task{
			ProjectID:    event.ProjectID,
			Title:        title,
			Description:  description,
			TaskType:     taskType,
			AssigneeID:   config.AssigneeID,
			Dependencies: config.Dependencies,
		})
		if err != nil {
			return nil, fmt.Errorf("create_task: %w", err)
		}

		return map[string]any{"sequence": task.Sequence, "id": task.ID}, nil
	})
}

func aiGenerateAction(config *models.AIGenerateConfig, generator Generator, tasks TaskStore) Action {
	return ActionFunc(func(ctx context.Context, _ *models.AutomationRule, event Event) (any, error) {
		if generator == nil {
			return nil, fmt.Errorf("ai_generate: %w", ErrNotConfigured)
		}

		prompt, err := template.RenderString(config.Prompt, event.Fields())
		if err != nil {
			return nil, fmt.Errorf("ai_generate prompt: %w", err)
		}

		request := GenerateRequest{ProjectID: event.ProjectID, Prompt: prompt}
		if event.Task != nil {
			request.TaskSequence = event.Task.Sequence
		}

		output, err := generator.Generate(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("ai_generate: %w", err)
		}

		if config.TargetField == "" {
			return map[string]any{"output": output}, nil
		}

		key, ok := event.TaskKey()
		if !ok {
			return nil, fmt.Errorf("ai_generate target_field: %w", ErrNoTask)
		}

		if tasks == nil {
			return nil, fmt.Errorf("ai_generate target_field: %w", ErrNotConfigured)
		}

		task, err := tasks.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("ai_generate: %w", err)
		}

		switch config.TargetField {
		case "description":
			task.Description = output
		case "title":
			task.Title = output
		default:
			return nil, models.NewValidationError("ai_generate.target_field", fmt.Sprintf("unsupported field %q", config.TargetField))
		}

		if _, err := tasks.Update(ctx, task); err != nil {
			return nil, fmt.Errorf("ai_generate: %w", err)
		}

		return map[string]any{"output": output, "target_field": config.TargetField}, nil
	})
}
