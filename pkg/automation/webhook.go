package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookBody        = 64 << 10
)

var (
	ErrWebhookServerError = errors.New("webhook server error")
	ErrWebhookRejected    = errors.New("webhook rejected the request")
)

// WebhookAction delivers the event as JSON, retrying transport errors and 5xx responses.
type WebhookAction struct {
	url     string
	method  string
	headers map[string]string
	retries int
	delay   time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhookAction builds a webhook action. The config's Retries overrides defaultRetries.
func NewWebhookAction(config *models.WebhookConfig, client *http.Client, defaultRetries int, delay time.Duration, logger *slog.Logger) (*WebhookAction, error) {
	if config == nil || config.URL == "" {
		return nil, models.NewValidationError("webhook.url", "is required")
	}

	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	method := strings.ToUpper(config.Method)
	if method == "" {
		method = http.MethodPost
	}

	retries := defaultRetries
	if config.Retries > 0 {
		retries = config.Retries
	}

	return &WebhookAction{
		url:     config.URL,
		method:  method,
		headers: config.Headers,
		retries: max(retries, 0),
		delay:   delay,
		client:  client,
		logger:  logger.With("module", "webhook_action"),
	}, nil
}

type webhookPayload struct {
	RuleID    string         `json:"rule_id"`
	RuleName  string         `json:"rule_name"`
	Trigger   string         `json:"trigger"`
	ProjectID string         `json:"project_id"`
	Event     map[string]any `json:"event"`
	SentAt    time.Time      `json:"sent_at"`
}

func (a *WebhookAction) Execute(ctx context.Context, rule *models.AutomationRule, event Event) (any, error) {
	body, err := json.Marshal(webhookPayload{
		RuleID:    rule.RuleID,
		RuleName:  rule.Name,
		Trigger:   string(event.Trigger),
		ProjectID: event.ProjectID,
		Event:     event.Fields(),
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	attempts := a.retries + 1

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			a.logger.InfoContext(ctx, "retrying webhook", "attempt", attempt, "of", attempts, "url", a.url)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.delay):
			}
		}

		result, err := a.send(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if errors.Is(err, ErrWebhookRejected) {
			break
		}
	}

	return nil, fmt.Errorf("webhook %s failed after %d attempt(s): %w", a.url, attempts, lastErr)
}

func (a *WebhookAction) send(ctx context.Context, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, a.method, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w: %w", ErrWebhookRejected, err)
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.ErrorContext(ctx, "failed to close webhook response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrWebhookServerError)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrWebhookRejected)
	}

	return map[string]any{"status_code": resp.StatusCode, "body": string(respBody)}, nil
}
