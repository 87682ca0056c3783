// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestTask creates a todo Task with default values that can be overridden.
func CreateTestTask(projectID string, overrides ...func(*models.Task)) *models.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)

	task := &models.Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Title:     "Test Task",
		TaskType:  models.TaskTypeAI,
		Status:    models.TaskStatusTodo,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// WithSequence pins the task sequence.
func WithSequence(seq int) func(*models.Task) {
	return func(t *models.Task) {
		t.Sequence = seq
	}
}

// WithStatus sets the task status.
func WithStatus(status models.TaskStatus) func(*models.Task) {
	return func(t *models.Task) {
		t.Status = status
	}
}

// WithTitle sets the task title.
func WithTitle(title string) func(*models.Task) {
	return func(t *models.Task) {
		t.Title = title
	}
}

// WithDependencyTrigger configures a dependency clause on the given sequences.
func WithDependencyTrigger(op models.DependencyOperator, policy models.ExecutionPolicy, seqs ...int) func(*models.Task) {
	return func(t *models.Task) {
		if t.TriggerConfig == nil {
			t.TriggerConfig = &models.TriggerConfig{}
		}

		t.TriggerConfig.Dependency = &models.DependencyClause{
			TaskSequences: seqs,
			Operator:      op,
			Policy:        policy,
		}
	}
}

// WithSchedule configures a schedule clause.
func WithSchedule(clause *models.ScheduleClause) func(*models.Task) {
	return func(t *models.Task) {
		if t.TriggerConfig == nil {
			t.TriggerConfig = &models.TriggerConfig{}
		}

		t.TriggerConfig.Schedule = clause
	}
}

// WithDependencies sets the explicit control-flow dependencies.
func WithDependencies(seqs ...int) func(*models.Task) {
	return func(t *models.Task) {
		t.Dependencies = seqs
	}
}

// CreateTestWorkflowExecution creates a pending execution.
func CreateTestWorkflowExecution(projectID string, totalTasks int) *models.WorkflowExecution {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.WorkflowExecution{
		WorkflowID:  uuid.New().String(),
		ProjectID:   projectID,
		Name:        "Test Workflow",
		Status:      models.WorkflowStatusPending,
		TotalTasks:  totalTasks,
		TotalStages: 1,
		TaskResults: []models.TaskResult{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateTestRule creates an enabled rule with one notification action.
func CreateTestRule(projectID *string, trigger models.RuleTrigger) *models.AutomationRule {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.AutomationRule{
		RuleID:    uuid.New().String(),
		ProjectID: projectID,
		Name:      "Test Rule",
		Enabled:   true,
		Trigger:   trigger,
		Actions: []models.RuleAction{
			{
				Type:         models.ActionSendNotification,
				Notification: &models.NotificationConfig{Title: "{{.title}}", Message: "status is {{.status}}"},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CreateTestCheckpoint creates a checkpoint at stage.
func CreateTestCheckpoint(workflowID string, stage int, createdAt time.Time) *models.WorkflowCheckpoint {
	return &models.WorkflowCheckpoint{
		CheckpointID:        uuid.New().String(),
		WorkflowExecutionID: workflowID,
		WorkflowID:          workflowID,
		StageIndex:          stage,
		CompletedTaskIDs:    []string{},
		Context:             map[string]any{"stage": stage},
		CreatedAt:           createdAt.UTC().Truncate(time.Millisecond),
	}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
