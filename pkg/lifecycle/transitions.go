// Package lifecycle implements the task status state machine.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/models"
)

// ErrInvalidTransition is matched by every rejected status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	Task models.TaskKey
	From models.TaskStatus
	To   models.TaskStatus
	// Expected is set when the caller's view of the current status was stale.
	Expected models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("task %s is %s, expected %s: cannot move to %s", e.Task, e.From, e.Expected, e.To)
	}

	return fmt.Sprintf("task %s: %s -> %s is not allowed", e.Task, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsInvalidTransition checks if an error is a rejected status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusTodo: {
		models.TaskStatusInProgress,
		models.TaskStatusDone,
		models.TaskStatusBlocked,
	},
	models.TaskStatusInProgress: {
		models.TaskStatusNeedsApproval,
		models.TaskStatusInReview,
		models.TaskStatusBlocked,
		models.TaskStatusTodo,
	},
	models.TaskStatusNeedsApproval: {
		models.TaskStatusInProgress,
		models.TaskStatusTodo,
	},
	models.TaskStatusInReview: {
		models.TaskStatusDone,
		models.TaskStatusInProgress,
		models.TaskStatusBlocked,
	},
	models.TaskStatusDone: {
		models.TaskStatusInProgress,
		models.TaskStatusBlocked,
	},
	models.TaskStatusBlocked: {
		models.TaskStatusTodo,
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to models.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// AllowedTransitions lists the statuses reachable from a status.
func AllowedTransitions(from models.TaskStatus) []models.TaskStatus {
	allowed := make([]models.TaskStatus, len(transitions[from]))
	copy(allowed, transitions[from])

	return allowed
}
