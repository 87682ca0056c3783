package automation

import (
	"errors"
	"testing"

	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/mocks"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	return NewService(file.NewPersistence(t.TempDir()).AutomationRuleRepository(), log.Discard())
}

func validRule() *models.AutomationRule {
	return &models.AutomationRule{
		Name:    "notify",
		Enabled: true,
		Trigger: models.RuleTrigger{Type: models.RuleTriggerTaskCreated},
		Actions: []models.RuleAction{notifyAction("new task")},
	}
}

func TestService_Validate(t *testing.T) {
	s := newTestService(t)
	empty := ""

	tests := []struct {
		name   string
		mutate func(*models.AutomationRule)
	}{
		{"short name", func(r *models.AutomationRule) { r.Name = "ab" }},
		{"no actions", func(r *models.AutomationRule) { r.Actions = nil }},
		{"empty project", func(r *models.AutomationRule) { r.ProjectID = &empty }},
		{"unknown trigger", func(r *models.AutomationRule) { r.Trigger.Type = "task_exploded" }},
		{"status filter on wrong trigger", func(r *models.AutomationRule) { r.Trigger.ToStatus = models.TaskStatusDone }},
		{"config for another type", func(r *models.AutomationRule) {
			r.Actions[0].Webhook = &models.WebhookConfig{URL: "http://x"}
		}},
		{"missing config", func(r *models.AutomationRule) {
			r.Actions = []models.RuleAction{{Type: models.ActionWebhook}}
		}},
		{"schema: empty title", func(r *models.AutomationRule) { r.Actions[0].Notification.Title = "" }},
		{"schema: webhook url scheme", func(r *models.AutomationRule) {
			r.Actions = []models.RuleAction{{Type: models.ActionWebhook, Webhook: &models.WebhookConfig{URL: "ftp://host"}}}
		}},
		{"schema: unknown status", func(r *models.AutomationRule) {
			r.Actions = []models.RuleAction{{Type: models.ActionUpdateStatus, UpdateStatus: &models.UpdateStatusConfig{Status: "archived"}}}
		}},
	}

	require.NoError(t, s.Validate(validRule()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)

			err := s.Validate(rule)
			assert.True(t, models.IsValidationError(err), "got %v", err)
		})
	}
}

func TestService_CRUD(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	created, err := s.Create(ctx, validRule())
	require.NoError(t, err)
	assert.NotEmpty(t, created.RuleID)
	assert.Zero(t, created.ExecutionCount)

	require.NoError(t, s.IncrementExecutionCount(ctx, created.RuleID))

	update := validRule()
	update.RuleID = created.RuleID
	update.Name = "renamed"

	updated, err := s.Update(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, int64(1), updated.ExecutionCount)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	toggled, err := s.Toggle(ctx, created.RuleID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	enabled, err := s.FindEnabledRules(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, enabled)

	rules, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, s.Delete(ctx, created.RuleID))

	_, err = s.Get(ctx, created.RuleID)
	assert.True(t, persistence.IsNotFound(err))

	_, err = s.Update(ctx, update)
	assert.True(t, persistence.IsNotFound(err))
}

func TestService_RepositoryFailures(t *testing.T) {
	repo := &mocks.MockAutomationRuleRepository{}
	s := NewService(repo, log.Discard())
	ctx := t.Context()
	boom := errors.New("disk full")

	repo.On("GetByID", ctx, "r1").Return(nil, persistence.NotFound("GetByID", persistence.EntityAutomationRule, "r1")).Once()
	_, err := s.Toggle(ctx, "r1")
	assert.True(t, persistence.IsNotFound(err))

	repo.On("IncrementExecutionCount", ctx, "r2", mock.AnythingOfType("time.Time")).Return(boom).Once()
	err = s.IncrementExecutionCount(ctx, "r2")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "r2")

	rule := validRule()
	repo.On("Create", ctx, rule).Return(persistence.NewError("Create", persistence.EntityAutomationRule, "x", persistence.ErrAlreadyExists)).Once()
	_, err = s.Create(ctx, rule)
	assert.True(t, persistence.IsAlreadyExists(err))

	repo.AssertExpectations(t)
}
