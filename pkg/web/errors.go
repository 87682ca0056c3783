package web

import (
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps the typed errors of the service layer onto problem documents.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsTransitionError(err):
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_transition", err.Error())
	case services.IsValidationError(err):
		return badRequest(c, err.Error())
	case persistence.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())
	case services.IsConflictError(err), persistence.IsConflict(err), persistence.IsAlreadyExists(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	default:
		return internalError(c, err)
	}
}
