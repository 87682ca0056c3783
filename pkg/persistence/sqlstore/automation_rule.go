package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

const ruleColumns = `rule_id, project_id, name, description, enabled, trigger_def, conditions, actions,
	execution_count, last_executed_at, created_at, updated_at`

type ruleRow struct {
	RuleID         string         `db:"rule_id"`
	ProjectID      sql.NullString `db:"project_id"`
	Name           string         `db:"name"`
	Description    string         `db:"description"`
	Enabled        bool           `db:"enabled"`
	Trigger        string         `db:"trigger_def"`
	Conditions     string         `db:"conditions"`
	Actions        string         `db:"actions"`
	ExecutionCount int64          `db:"execution_count"`
	LastExecutedAt *time.Time     `db:"last_executed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *ruleRow) toModel() (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		RuleID:         r.RuleID,
		Name:           r.Name,
		Description:    r.Description,
		Enabled:        r.Enabled,
		ExecutionCount: r.ExecutionCount,
		LastExecutedAt: r.LastExecutedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}

	if r.ProjectID.Valid {
		projectID := r.ProjectID.String
		rule.ProjectID = &projectID
	}

	if err := unmarshalJSON(r.Trigger, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger of rule %s: %w", r.RuleID, err)
	}

	if err := unmarshalJSON(r.Conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions of rule %s: %w", r.RuleID, err)
	}

	if err := unmarshalJSON(r.Actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions of rule %s: %w", r.RuleID, err)
	}

	return rule, nil
}

// AutomationRuleRepository handles automation rule database operations.
type AutomationRuleRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAutomationRuleRepository creates a new automation rule repository.
func NewAutomationRuleRepository(db *sqlx.DB, logger *slog.Logger) *AutomationRuleRepository {
	return &AutomationRuleRepository{db: db, logger: logger}
}

func ruleDocuments(rule *models.AutomationRule) (string, string, string, error) {
	triggerJSON, err := marshalJSON(rule.Trigger)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal trigger: %w", err)
	}

	conditions := rule.Conditions
	if conditions == nil {
		conditions = []models.Condition{}
	}

	conditionsJSON, err := marshalJSON(conditions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal conditions: %w", err)
	}

	actionsJSON, err := marshalJSON(rule.Actions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal actions: %w", err)
	}

	return triggerJSON, conditionsJSON, actionsJSON, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

func (ar *AutomationRuleRepository) Create(ctx context.Context, rule *models.AutomationRule) error {
	triggerJSON, conditionsJSON, actionsJSON, err := ruleDocuments(rule)
	if err != nil {
		return err
	}

	_, err = ar.db.ExecContext(ctx,
		ar.db.Rebind(`INSERT INTO automation_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rule.RuleID, nullableString(rule.ProjectID), rule.Name, rule.Description, rule.Enabled,
		triggerJSON, conditionsJSON, actionsJSON, rule.ExecutionCount, rule.LastExecutedAt,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewError("Create", persistence.EntityAutomationRule, rule.RuleID, persistence.ErrAlreadyExists)
		}

		return fmt.Errorf("failed to create automation rule: %w", err)
	}

	return nil
}

func (ar *AutomationRuleRepository) GetByID(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	var row ruleRow

	err := ar.db.GetContext(ctx, &row,
		ar.db.Rebind(`SELECT `+ruleColumns+` FROM automation_rules WHERE rule_id = ?`),
		ruleID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NotFound("GetByID", persistence.EntityAutomationRule, ruleID)
		}

		return nil, fmt.Errorf("failed to get automation rule: %w", err)
	}

	return row.toModel()
}

func (ar *AutomationRuleRepository) List(ctx context.Context) ([]*models.AutomationRule, error) {
	return ar.query(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY created_at, rule_id`)
}

func (ar *AutomationRuleRepository) FindEnabled(ctx context.Context, projectID string) ([]*models.AutomationRule, error) {
	return ar.query(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules
		WHERE enabled = ? AND (project_id IS NULL OR project_id = ?)
		ORDER BY created_at, rule_id`,
		true, projectID,
	)
}

func (ar *AutomationRuleRepository) query(ctx context.Context, query string, args ...any) ([]*models.AutomationRule, error) {
	rows, err := ar.db.QueryxContext(ctx, ar.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automation rules: %w", err)
	}

	defer closeRows(ctx, ar.logger, rows)

	rules := make([]*models.AutomationRule, 0)

	for rows.Next() {
		var row ruleRow

		err := rows.StructScan(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation rule: %w", err)
		}

		rule, err := row.toModel()
		if err != nil {
			return nil, err
		}

		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (ar *AutomationRuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	triggerJSON, conditionsJSON, actionsJSON, err := ruleDocuments(rule)
	if err != nil {
		return err
	}

	result, err := ar.db.ExecContext(ctx,
		ar.db.Rebind(`UPDATE automation_rules SET
			project_id = ?, name = ?, description = ?, enabled = ?, trigger_def = ?, conditions = ?,
			actions = ?, execution_count = ?, last_executed_at = ?, updated_at = ?
			WHERE rule_id = ?`),
		nullableString(rule.ProjectID), rule.Name, rule.Description, rule.Enabled, triggerJSON,
		conditionsJSON, actionsJSON, rule.ExecutionCount, rule.LastExecutedAt, rule.UpdatedAt, rule.RuleID,
	)
	if err != nil {
		return fmt.Errorf("failed to update automation rule: %w", err)
	}

	return ar.expectOne(result, "Update", rule.RuleID)
}

func (ar *AutomationRuleRepository) Delete(ctx context.Context, ruleID string) error {
	result, err := ar.db.ExecContext(ctx, ar.db.Rebind(`DELETE FROM automation_rules WHERE rule_id = ?`), ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete automation rule: %w", err)
	}

	return ar.expectOne(result, "Delete", ruleID)
}

// IncrementExecutionCount bumps the counter in a single statement so concurrent evaluations never lose counts.
func (ar *AutomationRuleRepository) IncrementExecutionCount(ctx context.Context, ruleID string, executedAt time.Time) error {
	result, err := ar.db.ExecContext(ctx,
		ar.db.Rebind(`UPDATE automation_rules SET execution_count = execution_count + 1, last_executed_at = ?
			WHERE rule_id = ?`),
		executedAt, ruleID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment execution count: %w", err)
	}

	return ar.expectOne(result, "IncrementExecutionCount", ruleID)
}

func (ar *AutomationRuleRepository) expectOne(result sql.Result, op, ruleID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NotFound(op, persistence.EntityAutomationRule, ruleID)
	}

	return nil
}
