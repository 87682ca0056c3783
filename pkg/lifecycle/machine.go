package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// Recorder appends task history entries.
type Recorder interface {
	Record(ctx context.Context, key models.TaskKey, eventType models.HistoryEventType, data map[string]any)
}

// Canceller stops an in-flight execution of a task.
type Canceller interface {
	Cancel(ctx context.Context, task *models.Task) error
}

// Change describes an applied status transition.
type Change struct {
	Task   *models.Task
	From   models.TaskStatus
	To     models.TaskStatus
	Reason string
	Actor  string
	At     time.Time
}

// ChangeListener observes applied transitions. Listeners run while the task is still
// locked, so they must not block nor transition the same task.
type ChangeListener func(ctx context.Context, change Change)

// Options carry optional context for a transition.
type Options struct {
	// ExpectedFrom rejects the transition when the stored status differs.
	ExpectedFrom models.TaskStatus
	Reason       string
	Actor        string
	// BlockedByTaskID is stored when entering blocked.
	BlockedByTaskID *string
}

const conflictAttempts = 5

// Machine applies validated status transitions to stored tasks.
type Machine struct {
	tasks     persistence.TaskRepository
	history   Recorder
	canceller Canceller
	logger    *slog.Logger
	locks     *keyedMutex
	listeners []ChangeListener
	now       func() time.Time
}

// NewMachine creates a state machine. canceller may be nil.
func NewMachine(tasks persistence.TaskRepository, history Recorder, canceller Canceller, logger *slog.Logger) *Machine {
	return &Machine{
		tasks:     tasks,
		history:   history,
		canceller: canceller,
		logger:    logger.With("module", "lifecycle"),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// SetCanceller replaces the cancellation collaborator.
func (m *Machine) SetCanceller(canceller Canceller) {
	m.canceller = canceller
}

// OnChange registers a listener for applied transitions. Not safe to call concurrently with Transition.
func (m *Machine) OnChange(listener ChangeListener) {
	m.listeners = append(m.listeners, listener)
}

// Transition moves a task to status to. Illegal or stale moves return an *InvalidTransitionError,
// record transition_rejected and leave the task untouched.
func (m *Machine) Transition(ctx context.Context, key models.TaskKey, to models.TaskStatus, opts Options) (*models.Task, error) {
	if !to.Valid() {
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown task status %q", to))
	}

	unlock := m.locks.Lock(key.String())
	defer unlock()

	var (
		task *models.Task
		from models.TaskStatus
		now  time.Time
	)

	// definition edits from the task service may land between the read and the write
	err := persistence.RetryOnConflict(ctx, conflictAttempts, func() error {
		current, err := m.tasks.GetByKey(ctx, key.ProjectID, key.Sequence)
		if err != nil {
			return err
		}

		if current.IsDeleted() {
			return persistence.NotFound("Transition", persistence.EntityTask, key.String())
		}

		from = current.Status

		if opts.ExpectedFrom != "" && opts.ExpectedFrom != from {
			return m.reject(ctx, &InvalidTransitionError{Task: key, From: from, To: to, Expected: opts.ExpectedFrom}, opts)
		}

		if !CanTransition(from, to) {
			return m.reject(ctx, &InvalidTransitionError{Task: key, From: from, To: to}, opts)
		}

		now = m.now().UTC()
		apply(current, to, now, opts)

		if err := m.tasks.Update(ctx, current); err != nil {
			return fmt.Errorf("failed to persist transition of task %s: %w", key, err)
		}

		task = current

		return nil
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"previousStatus": string(from),
		"newStatus":      string(to),
	}
	if opts.Reason != "" {
		data["reason"] = opts.Reason
	}

	if opts.Actor != "" {
		data["actor"] = opts.Actor
	}

	m.history.Record(ctx, key, models.HistoryStatusChanged, data)

	m.logger.InfoContext(ctx, "task status changed", "task", key.String(), "from", from, "to", to)

	if to == models.TaskStatusBlocked && m.canceller != nil {
		if err := m.canceller.Cancel(ctx, task); err != nil {
			m.logger.ErrorContext(ctx, "failed to cancel execution of blocked task", "task", key.String(), "error", err)
		}
	}

	change := Change{Task: task, From: from, To: to, Reason: opts.Reason, Actor: opts.Actor, At: now}
	for _, listener := range m.listeners {
		listener(ctx, change)
	}

	return task, nil
}

// apply mutates task for entering status to.
func apply(task *models.Task, to models.TaskStatus, now time.Time, opts Options) {
	from := task.Status

	switch to {
	case models.TaskStatusInProgress:
		task.StartedAt = &now
		if from == models.TaskStatusDone {
			task.CompletedAt = nil
		}
	case models.TaskStatusDone:
		task.CompletedAt = &now
	case models.TaskStatusBlocked:
		task.BlockedByTaskID = opts.BlockedByTaskID
		task.BlockedReason = opts.Reason
	case models.TaskStatusTodo:
		if from == models.TaskStatusBlocked {
			task.BlockedByTaskID = nil
			task.BlockedReason = ""
		}
	}

	task.Status = to
	task.UpdatedAt = now
}

func (m *Machine) reject(ctx context.Context, rejection *InvalidTransitionError, opts Options) error {
	data := map[string]any{
		"previousStatus":  string(rejection.From),
		"requestedStatus": string(rejection.To),
	}
	if rejection.Expected != "" {
		data["expectedStatus"] = string(rejection.Expected)
	}

	if opts.Actor != "" {
		data["actor"] = opts.Actor
	}

	m.history.Record(ctx, rejection.Task, models.HistoryTransitionRejected, data)

	m.logger.WarnContext(ctx, "task transition rejected", "task", rejection.Task.String(), "from", rejection.From, "to", rejection.To)

	return rejection
}
