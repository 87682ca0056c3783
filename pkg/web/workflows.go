package web

import (
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/tracker"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	projectID := c.Query("project_id")
	if projectID == "" {
		return badRequest(c, "project_id query parameter is required")
	}

	executions, err := h.Tracker.ListByProject(c.Context(), projectID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if executions == nil {
		executions = []*models.WorkflowExecution{}
	}

	return c.JSON(executions)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	execution, err := h.Tracker.Create(c.Context(), &models.WorkflowExecution{
		WorkflowID:  req.WorkflowID,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		TotalTasks:  req.TotalTasks,
		TotalStages: req.TotalStages,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	execution, err := h.Tracker.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// DeleteWorkflow removes an execution together with its checkpoints.
func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.Tracker.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	if err := h.Checkpoints.DeleteAll(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) UpdateWorkflowStatus(c fiber.Ctx) error {
	var req WorkflowStatusRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	execution, err := h.Tracker.UpdateStatus(c.Context(), c.Params("id"), req.Status, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) UpdateWorkflowProgress(c fiber.Ctx) error {
	var req tracker.ProgressUpdate
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	execution, err := h.Tracker.UpdateProgress(c.Context(), c.Params("id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) AddTaskResult(c fiber.Ctx) error {
	var result models.TaskResult
	if err := h.bind(c, &result); err != nil {
		return handleServiceError(c, err)
	}

	if result.TaskSequence <= 0 {
		return badRequest(c, "task_sequence must be positive")
	}

	execution, err := h.Tracker.AddTaskResult(c.Context(), c.Params("id"), result)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetWorkflowStats(c fiber.Ctx) error {
	stats, err := h.Tracker.GetProjectStats(c.Context(), c.Params("projectId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stats)
}

// Checkpoints

func (h *APIHandlers) CreateCheckpoint(c fiber.Ctx) error {
	var req CreateCheckpointRequest
	if err := h.bind(c, &req); err != nil {
		return handleServiceError(c, err)
	}

	id := c.Params("id")
	if _, err := h.Tracker.Get(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	created, err := h.Checkpoints.Create(c.Context(), &models.WorkflowCheckpoint{
		WorkflowExecutionID: req.WorkflowExecutionID,
		WorkflowID:          id,
		StageIndex:          req.StageIndex,
		CompletedTaskIDs:    req.CompletedTaskIDs,
		Context:             req.Context,
		Metadata:            req.Metadata,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ListCheckpoints(c fiber.Ctx) error {
	checkpoints, err := h.Checkpoints.List(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if checkpoints == nil {
		checkpoints = []*models.WorkflowCheckpoint{}
	}

	return c.JSON(checkpoints)
}

func (h *APIHandlers) LatestCheckpoint(c fiber.Ctx) error {
	latest, err := h.Checkpoints.GetLatest(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(latest)
}

func (h *APIHandlers) CleanupCheckpoints(c fiber.Ctx) error {
	var req CleanupRequest

	if len(c.Body()) > 0 {
		if err := h.bind(c, &req); err != nil {
			return handleServiceError(c, err)
		}
	}

	deleted, err := h.Checkpoints.Cleanup(c.Context(), c.Params("id"), req.Keep)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"deleted": deleted})
}
