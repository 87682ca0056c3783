// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"context"
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrNotFound indicates an entity was not found by the given identifier.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an entity with the same identifier already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates a concurrent update won the race; the caller should retry.
	ErrConflict = errors.New("concurrent update conflict")
)

// Entity names used in errors.
const (
	EntityTask              = "task"
	EntityWorkflowExecution = "workflow execution"
	EntityCheckpoint        = "checkpoint"
	EntityAutomationRule    = "automation rule"
	EntityHistoryEntry      = "history entry"
)

// Error wraps persistence errors with additional context.
type Error struct {
	Op     string // Operation being performed (e.g., "GetByID", "Update", "Delete")
	Entity string // Entity kind
	ID     string // Entity identifier if applicable
	Err    error  // Underlying error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error comparison for persistence errors.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new persistence error with context.
func NewError(op, entity, id string, err error) *Error {
	return &Error{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// NotFound creates a not found error for an entity.
func NotFound(op, entity, id string) *Error {
	return NewError(op, entity, id, ErrNotFound)
}

// IsNotFound checks if an error indicates an entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if an error indicates a duplicate identifier.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConflict checks if an error indicates a lost optimistic update.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// RetryOnConflict runs fn until it succeeds, fails with something other than a
// conflict, or attempts are exhausted. The last conflict is returned.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error

	for range attempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn()
		if !IsConflict(err) {
			return err
		}
	}

	return err
}
