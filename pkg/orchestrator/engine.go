package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/automation"
	"github.com/dukex/taskflow/pkg/models"
)

// ExecutionEngine runs tasks outside the control plane. Start must return as soon as the
// run is accepted; the engine reports back through Orchestrator.ReportOutcome.
type ExecutionEngine interface {
	Start(ctx context.Context, task *models.Task) error
	Cancel(ctx context.Context, taskID string) error
}

// ErrEngineRejected is returned when the engine answers a request with a non-2xx status.
var ErrEngineRejected = errors.New("execution engine rejected the request")

// HTTPEngine talks to an execution engine over HTTP.
//
//	POST   {base}/executions        body: task
//	DELETE {base}/executions/{id}
//	POST   {base}/generate          body: {project_id, task_sequence, prompt} -> {text}
type HTTPEngine struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPEngine(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("module", "http_engine"),
	}
}

func (e *HTTPEngine) Start(ctx context.Context, task *models.Task) error {
	_, err := e.do(ctx, http.MethodPost, "/executions", task)

	return err
}

func (e *HTTPEngine) Cancel(ctx context.Context, taskID string) error {
	_, err := e.do(ctx, http.MethodDelete, "/executions/"+url.PathEscape(taskID), nil)

	return err
}

// Generate asks the engine for text; it backs the ai_generate automation action.
func (e *HTTPEngine) Generate(ctx context.Context, request automation.GenerateRequest) (string, error) {
	body, err := e.do(ctx, http.MethodPost, "/generate", map[string]any{
		"project_id":    request.ProjectID,
		"task_sequence": request.TaskSequence,
		"prompt":        request.Prompt,
	})
	if err != nil {
		return "", err
	}

	var response struct {
		Text string `json:"text"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}

	return response.Text, nil
}

func (e *HTTPEngine) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execution engine request failed: %w", err)
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.WarnContext(ctx, "failed to close response body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrEngineRejected, method, path, resp.StatusCode)
	}

	return body, nil
}

// LogEngine only logs. It lets the control plane run without an engine attached.
type LogEngine struct {
	Logger *slog.Logger
}

func (e LogEngine) Start(ctx context.Context, task *models.Task) error {
	e.Logger.InfoContext(ctx, "task start requested", "task", task.Key().String(), "task_type", task.TaskType)

	return nil
}

func (e LogEngine) Cancel(ctx context.Context, taskID string) error {
	e.Logger.InfoContext(ctx, "task cancellation requested", "task_id", taskID)

	return nil
}
