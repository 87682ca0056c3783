// Package automation evaluates standalone trigger/condition/action rules against task events.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Service manages automation rules.
type Service struct {
	repo     persistence.AutomationRuleRepository
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo persistence.AutomationRuleRepository, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(),
		logger:   logger.With("module", "automation_service"),
		now:      time.Now,
	}
}

// Validate checks the rule structure, trigger filters and every action config.
func (s *Service) Validate(rule *models.AutomationRule) error {
	if err := s.validate.Struct(rule); err != nil {
		return models.NewValidationError("rule", err.Error())
	}

	if rule.ProjectID != nil && *rule.ProjectID == "" {
		return models.NewValidationError("project_id", "must be omitted for global rules, not empty")
	}

	if err := rule.Trigger.Validate(); err != nil {
		return err
	}

	for i, action := range rule.Actions {
		if err := validateActionConfig(i, action); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) Create(ctx context.Context, rule *models.AutomationRule) (*models.AutomationRule, error) {
	if err := s.Validate(rule); err != nil {
		return nil, err
	}

	now := s.now().UTC()

	if rule.RuleID == "" {
		rule.RuleID = uuid.New().String()
	}

	rule.ExecutionCount = 0
	rule.LastExecutedAt = nil
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "automation rule created", "rule_id", rule.RuleID, "trigger", rule.Trigger.Type)

	return rule, nil
}

func (s *Service) Get(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	return s.repo.GetByID(ctx, ruleID)
}

func (s *Service) List(ctx context.Context) ([]*models.AutomationRule, error) {
	return s.repo.List(ctx)
}

// Update replaces a rule's definition. Identity, creation time and execution
// statistics are kept from the stored rule.
func (s *Service) Update(ctx context.Context, rule *models.AutomationRule) (*models.AutomationRule, error) {
	existing, err := s.repo.GetByID(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}

	if err := s.Validate(rule); err != nil {
		return nil, err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.ExecutionCount = existing.ExecutionCount
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, err
	}

	return rule, nil
}

func (s *Service) Delete(ctx context.Context, ruleID string) error {
	if err := s.repo.Delete(ctx, ruleID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "automation rule deleted", "rule_id", ruleID)

	return nil
}

// Toggle flips the enabled flag of a rule.
func (s *Service) Toggle(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	rule, err := s.repo.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	rule.Enabled = !rule.Enabled
	rule.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "automation rule toggled", "rule_id", ruleID, "enabled", rule.Enabled)

	return rule, nil
}

func (s *Service) IncrementExecutionCount(ctx context.Context, ruleID string) error {
	if err := s.repo.IncrementExecutionCount(ctx, ruleID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to increment execution count of rule %s: %w", ruleID, err)
	}

	return nil
}

// FindEnabledRules returns enabled rules scoped to projectID plus enabled global rules.
func (s *Service) FindEnabledRules(ctx context.Context, projectID string) ([]*models.AutomationRule, error) {
	return s.repo.FindEnabled(ctx, projectID)
}
