package automation

import (
	"context"
	"log/slog"
)

// Notification is a rendered send_notification action.
type Notification struct {
	RuleID       string   `json:"rule_id"`
	ProjectID    string   `json:"project_id"`
	TaskSequence int      `json:"task_sequence,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
}

// Notifier delivers notifications. Delivery is fire-and-forget from the engine's side.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, notification Notification) error {
	n.Logger.InfoContext(ctx, "notification",
		"rule_id", notification.RuleID,
		"project_id", notification.ProjectID,
		"task_sequence", notification.TaskSequence,
		"channel", notification.Channel,
		"recipients", notification.Recipients,
		"title", notification.Title,
		"message", notification.Message)

	return nil
}
