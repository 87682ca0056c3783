package file

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// AutomationRuleRepository stores rules as rules/<rule>.json.
type AutomationRuleRepository struct {
	root string
	mu   sync.Mutex
}

// NewAutomationRuleRepository creates a new automation rule repository.
func NewAutomationRuleRepository(root string) *AutomationRuleRepository {
	return &AutomationRuleRepository{root: root}
}

func (ar *AutomationRuleRepository) dir() string {
	return filepath.Join(ar.root, "rules")
}

func (ar *AutomationRuleRepository) path(ruleID string) string {
	return filepath.Join(ar.dir(), ruleID+".json")
}

func (ar *AutomationRuleRepository) Create(_ context.Context, rule *models.AutomationRule) error {
	if err := validateID("rule", rule.RuleID); err != nil {
		return persistence.NewError("Create", persistence.EntityAutomationRule, rule.RuleID, err)
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	var existing models.AutomationRule

	found, err := readJSON(ar.path(rule.RuleID), &existing)
	if err != nil {
		return err
	}

	if found {
		return persistence.NewError("Create", persistence.EntityAutomationRule, rule.RuleID, persistence.ErrAlreadyExists)
	}

	return writeJSON(ar.path(rule.RuleID), rule)
}

func (ar *AutomationRuleRepository) GetByID(_ context.Context, ruleID string) (*models.AutomationRule, error) {
	if err := validateID("rule", ruleID); err != nil {
		return nil, persistence.NewError("GetByID", persistence.EntityAutomationRule, ruleID, err)
	}

	var rule models.AutomationRule

	found, err := readJSON(ar.path(ruleID), &rule)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NotFound("GetByID", persistence.EntityAutomationRule, ruleID)
	}

	return &rule, nil
}

// List returns every rule ordered by creation time.
func (ar *AutomationRuleRepository) List(_ context.Context) ([]*models.AutomationRule, error) {
	rules, err := readAll[models.AutomationRule](ar.dir())
	if err != nil {
		return nil, err
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].RuleID < rules[j].RuleID
		}

		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	return rules, nil
}

func (ar *AutomationRuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	if _, err := ar.GetByID(ctx, rule.RuleID); err != nil {
		return err
	}

	return writeJSON(ar.path(rule.RuleID), rule)
}

func (ar *AutomationRuleRepository) Delete(_ context.Context, ruleID string) error {
	if err := validateID("rule", ruleID); err != nil {
		return persistence.NewError("Delete", persistence.EntityAutomationRule, ruleID, err)
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	removed, err := removeFile(ar.path(ruleID))
	if err != nil {
		return err
	}

	if !removed {
		return persistence.NotFound("Delete", persistence.EntityAutomationRule, ruleID)
	}

	return nil
}

func (ar *AutomationRuleRepository) FindEnabled(ctx context.Context, projectID string) ([]*models.AutomationRule, error) {
	rules, err := ar.List(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make([]*models.AutomationRule, 0, len(rules))

	for _, rule := range rules {
		if rule.Enabled && rule.AppliesTo(projectID) {
			enabled = append(enabled, rule)
		}
	}

	return enabled, nil
}

func (ar *AutomationRuleRepository) IncrementExecutionCount(ctx context.Context, ruleID string, executedAt time.Time) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	rule, err := ar.GetByID(ctx, ruleID)
	if err != nil {
		return err
	}

	rule.ExecutionCount++
	rule.LastExecutedAt = &executedAt

	return writeJSON(ar.path(ruleID), rule)
}
