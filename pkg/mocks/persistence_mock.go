package mocks

import (
	"context"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowExecutionRepository is a mock implementation of persistence.WorkflowExecutionRepository.
type MockWorkflowExecutionRepository struct {
	mock.Mock
}

func (m *MockWorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockWorkflowExecutionRepository) GetByID(ctx context.Context, workflowID string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowExecutionRepository) ListByProject(ctx context.Context, projectID string) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockWorkflowExecutionRepository) Delete(ctx context.Context, workflowID string) error {
	args := m.Called(ctx, workflowID)

	return args.Error(0)
}

// MockAutomationRuleRepository is a mock implementation of persistence.AutomationRuleRepository.
type MockAutomationRuleRepository struct {
	mock.Mock
}

func (m *MockAutomationRuleRepository) Create(ctx context.Context, rule *models.AutomationRule) error {
	args := m.Called(ctx, rule)

	return args.Error(0)
}

func (m *MockAutomationRuleRepository) GetByID(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	args := m.Called(ctx, ruleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.AutomationRule), args.Error(1)
}

func (m *MockAutomationRuleRepository) List(ctx context.Context) ([]*models.AutomationRule, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationRule), args.Error(1)
}

func (m *MockAutomationRuleRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	args := m.Called(ctx, rule)

	return args.Error(0)
}

func (m *MockAutomationRuleRepository) Delete(ctx context.Context, ruleID string) error {
	args := m.Called(ctx, ruleID)

	return args.Error(0)
}

func (m *MockAutomationRuleRepository) FindEnabled(ctx context.Context, projectID string) ([]*models.AutomationRule, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.AutomationRule), args.Error(1)
}

func (m *MockAutomationRuleRepository) IncrementExecutionCount(ctx context.Context, ruleID string, executedAt time.Time) error {
	args := m.Called(ctx, ruleID, executedAt)

	return args.Error(0)
}
