package web

import (
	"github.com/dukex/taskflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

// Rule bodies are validated by the automation service, which also checks action configs.

func (h *APIHandlers) ListRules(c fiber.Ctx) error {
	rules, err := h.Rules.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	if rules == nil {
		rules = []*models.AutomationRule{}
	}

	return c.JSON(rules)
}

func (h *APIHandlers) CreateRule(c fiber.Ctx) error {
	var rule models.AutomationRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.Rules.Create(c.Context(), &rule)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetRule(c fiber.Ctx) error {
	rule, err := h.Rules.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) UpdateRule(c fiber.Ctx) error {
	var rule models.AutomationRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	rule.RuleID = c.Params("id")

	updated, err := h.Rules.Update(c.Context(), &rule)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteRule(c fiber.Ctx) error {
	if err := h.Rules.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ToggleRule(c fiber.Ctx) error {
	rule, err := h.Rules.Toggle(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(rule)
}
