package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/taskflow/pkg/automation"
	"github.com/dukex/taskflow/pkg/checkpoint"
	"github.com/dukex/taskflow/pkg/history"
	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/orchestrator"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Services are the components the handlers call into.
type Services struct {
	Tasks        *services.Task
	Orchestrator *orchestrator.Orchestrator
	Tracker      *tracker.Tracker
	Checkpoints  *checkpoint.Manager
	Rules        *automation.Service
	History      *history.Service
}

type APIHandlers struct {
	Services

	validator *validator.Validate
}

func NewAPIHandlers(s Services, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{Services: s, validator: validator}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.Tasks.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// bind decodes the JSON body into req and validates it.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if err := c.Bind().JSON(req); err != nil {
		return models.NewValidationError("body", "invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return models.NewValidationError("body", err.Error())
	}

	return nil
}

func taskKey(c fiber.Ctx) (models.TaskKey, error) {
	seq, err := strconv.Atoi(c.Params("seq"))
	if err != nil || seq <= 0 {
		return models.TaskKey{}, models.NewValidationError("seq", "must be a positive integer")
	}

	return models.TaskKey{ProjectID: c.Params("projectId"), Sequence: seq}, nil
}

// Tasks

func (h *APIHandlers) CreateTask(c fiber.Ctx) error {
	var req TaskRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.Tasks.Create(c.Context(), req.toModel(c.Params("projectId"), 0))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) ListTasks(c fiber.Ctx) error {
	tasks, err := h.Tasks.List(c.Context(), c.Params("projectId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if tasks == nil {
		tasks = []*models.Task{}
	}

	return c.JSON(tasks)
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.Tasks.Get(c.Context(), key)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) UpdateTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req TaskRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.Tasks.Update(c.Context(), req.toModel(key.ProjectID, key.Sequence))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) DeleteTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	if err := h.Tasks.Delete(c.Context(), key); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PauseTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req PauseRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.Tasks.SetPaused(c.Context(), key, req.Paused)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) SubdivideTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req SubdivideRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	children := make([]*models.Task, 0, len(req.Subtasks))
	for _, s := range req.Subtasks {
		children = append(children, s.toModel(key.ProjectID, 0))
	}

	created, err := h.Tasks.Subdivide(c.Context(), key, children)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// TransitionTask applies a manual status change. Moving a task to done starts its successors.
func (h *APIHandlers) TransitionTask(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req TransitionRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	task, err := h.Orchestrator.Transition(c.Context(), key, req.Status, lifecycle.Options{
		ExpectedFrom:    req.ExpectedFrom,
		Reason:          req.Reason,
		Actor:           actor,
		BlockedByTaskID: req.BlockedByTaskID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

// ReportOutcome is called by the execution engine when a task run ends.
func (h *APIHandlers) ReportOutcome(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var outcome orchestrator.Outcome
	if err := h.bind(c, &outcome); err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.Orchestrator.ReportOutcome(c.Context(), key, outcome)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

// History

func (h *APIHandlers) ListHistory(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	limit := 0

	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
	}

	entries, err := h.History.ListByTask(c.Context(), key, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	if entries == nil {
		entries = []*models.TaskHistoryEntry{}
	}

	return c.JSON(entries)
}

func (h *APIHandlers) LatestHistory(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	entry, err := h.History.LatestByEventType(c.Context(), key, models.HistoryEventType(c.Query("event_type")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(entry)
}

func (h *APIHandlers) AppendHistory(c fiber.Ctx) error {
	key, err := taskKey(c)
	if err != nil {
		return handleServiceError(c, err)
	}

	var req AppendHistoryRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	if _, err := h.Tasks.Get(c.Context(), key); err != nil {
		return handleServiceError(c, err)
	}

	entry, err := h.History.Append(c.Context(), key, req.EventType, req.EventData, req.Metadata)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(entry)
}
