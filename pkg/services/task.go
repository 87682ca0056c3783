package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/eventbus"
	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/trigger"
	"github.com/go-playground/validator/v10"
)

const conflictAttempts = 5

// Task manages task definitions. Status changes go through the lifecycle machine instead.
type Task struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewTask creates a new task service. publisher may be nil.
func NewTask(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Task {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &Task{
		persistence: p,
		publisher:   publisher,
		validate:    validator.New(),
		logger:      logger.With("module", "task_service"),
		now:         time.Now,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Task) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (s *Task) repo() persistence.TaskRepository {
	return s.persistence.TaskRepository()
}

// Create validates and stores a new todo task. A zero Sequence is allocated by the store.
func (s *Task) Create(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, ErrTaskNil
	}

	if task.TaskType == "" {
		task.TaskType = models.TaskTypeAI
	}

	if err := s.check(ctx, task); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task.Status = models.TaskStatusTodo
	task.StartedAt = nil
	task.CompletedAt = nil
	task.DeletedAt = nil
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.repo().Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task created", "task", task.Key().String(), "type", task.TaskType)
	s.publish(ctx, task.Key(), events.NewTaskCreated(task.ProjectID, task))

	return task, nil
}

// Get returns a live task; soft-deleted tasks are reported as not found.
func (s *Task) Get(ctx context.Context, key models.TaskKey) (*models.Task, error) {
	task, err := s.repo().GetByKey(ctx, key.ProjectID, key.Sequence)
	if err != nil {
		return nil, err
	}

	if task.IsDeleted() {
		return nil, persistence.NotFound("Get", persistence.EntityTask, key.String())
	}

	return task, nil
}

func (s *Task) List(ctx context.Context, projectID string) ([]*models.Task, error) {
	return s.repo().ListByProject(ctx, projectID)
}

// Update stores the definition fields of task. Status, lifecycle timestamps and
// assignment are kept from the stored task; a transition committed concurrently wins.
func (s *Task) Update(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, ErrTaskNil
	}

	if _, err := s.Get(ctx, task.Key()); err != nil {
		return nil, err
	}

	if err := s.check(ctx, task); err != nil {
		return nil, err
	}

	return s.modifyTask(ctx, task.Key(), func(existing *models.Task) bool {
		task.ID = existing.ID
		task.Status = existing.Status
		task.AssigneeID = existing.AssigneeID
		task.BlockedByTaskID = existing.BlockedByTaskID
		task.BlockedReason = existing.BlockedReason
		task.IsSubdivided = existing.IsSubdivided
		task.StartedAt = existing.StartedAt
		task.CompletedAt = existing.CompletedAt
		task.CreatedAt = existing.CreatedAt
		task.DeletedAt = existing.DeletedAt
		task.Version = existing.Version
		*existing = *task

		return true
	})
}

// Assign sets the assignee and publishes TaskAssigned when it changed. actor is
// carried in the event metadata.
func (s *Task) Assign(ctx context.Context, key models.TaskKey, assigneeID, actor string) (*models.Task, error) {
	var previous string

	task, err := s.modifyTask(ctx, key, func(task *models.Task) bool {
		previous = task.AssigneeID
		task.AssigneeID = assigneeID

		return previous != assigneeID
	})
	if err != nil {
		return nil, err
	}

	if previous == assigneeID {
		return task, nil
	}

	s.logger.InfoContext(ctx, "task assigned", "task", key.String(), "assignee_id", assigneeID, "previous", previous)

	event := events.NewTaskAssigned(task, previous)
	if actor != "" {
		event.Metadata["actor"] = actor
	}

	s.publish(ctx, key, event)

	return task, nil
}

// SetPaused pauses or resumes automatic starts of a task.
func (s *Task) SetPaused(ctx context.Context, key models.TaskKey, paused bool) (*models.Task, error) {
	return s.modifyTask(ctx, key, func(task *models.Task) bool {
		if task.IsPaused == paused {
			return false
		}

		task.IsPaused = paused

		return true
	})
}

// Delete soft-deletes a task. Its sequence stays reserved.
func (s *Task) Delete(ctx context.Context, key models.TaskKey) error {
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}

	if err := s.repo().SoftDelete(ctx, key.ProjectID, key.Sequence); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "task deleted", "task", key.String())

	return nil
}

// Subdivide splits a task into subtasks. The parent is marked subdivided and stops
// auto-starting; each child records the parent sequence. Either every child is stored
// or none is.
func (s *Task) Subdivide(ctx context.Context, key models.TaskKey, children []*models.Task) ([]*models.Task, error) {
	if len(children) == 0 {
		return nil, ErrNoSubtasks
	}

	parent, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if parent.IsSubdivided {
		return nil, &ServiceError{Op: "Subdivide", Code: "already_subdivided", Err: ErrAlreadySubdivided}
	}

	for i, child := range children {
		if child == nil {
			return nil, ErrTaskNil
		}

		child.ProjectID = key.ProjectID
		child.Sequence = 0
		parentSeq := key.Sequence
		child.ParentSequence = &parentSeq

		if child.ExecutionOrder == 0 {
			child.ExecutionOrder = i + 1
		}
	}

	created := make([]*models.Task, 0, len(children))

	for i, child := range children {
		task, err := s.Create(ctx, child)
		if err != nil {
			s.discard(ctx, created)

			return nil, fmt.Errorf("failed to create subtask %d of %s: %w", i+1, key, err)
		}

		created = append(created, task)
	}

	_, err = s.modifyTask(ctx, key, func(task *models.Task) bool {
		task.IsSubdivided = true

		return true
	})
	if err != nil {
		s.discard(ctx, created)

		return nil, err
	}

	s.logger.InfoContext(ctx, "task subdivided", "task", key.String(), "subtasks", len(created))

	return created, nil
}

// discard soft-deletes subtasks of a subdivision that did not complete.
func (s *Task) discard(ctx context.Context, created []*models.Task) {
	for _, task := range created {
		if err := s.repo().SoftDelete(ctx, task.ProjectID, task.Sequence); err != nil {
			s.logger.ErrorContext(ctx, "failed to discard subtask", "task", task.Key().String(), "error", err)
		}
	}
}

// modifyTask runs a versioned read-modify-write of a live task, retrying when a
// transition or another edit lands in between. mutate reports whether anything changed;
// unchanged tasks are not written.
func (s *Task) modifyTask(ctx context.Context, key models.TaskKey, mutate func(*models.Task) bool) (*models.Task, error) {
	var result *models.Task

	err := persistence.RetryOnConflict(ctx, conflictAttempts, func() error {
		task, err := s.Get(ctx, key)
		if err != nil {
			return err
		}

		if mutate(task) {
			task.UpdatedAt = s.now().UTC()

			if err := s.repo().Update(ctx, task); err != nil {
				return err
			}
		}

		result = task

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// check validates the structure of task and its edges against the rest of the project.
func (s *Task) check(ctx context.Context, task *models.Task) error {
	if err := s.validate.Struct(task); err != nil {
		return models.NewValidationError("task", err.Error())
	}

	if err := task.TriggerConfig.Validate(task.Sequence); err != nil {
		return err
	}

	for _, d := range task.Dependencies {
		if d <= 0 {
			return models.NewValidationError("dependencies", "sequences must be positive")
		}
	}

	others, err := s.repo().ListByProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	return trigger.ValidateEdges(task, others)
}

func (s *Task) publish(ctx context.Context, key models.TaskKey, event eventbus.Event) {
	if err := s.publisher.Publish(ctx, key.String(), event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish task event", "task", key.String(), "event_type", event.GetType(), "error", err)
	}
}
