// Package services provides the task service and standardized service-level errors.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/lifecycle"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/tracker"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrTaskNil        = errors.New("task cannot be nil")
	ErrNoSubtasks     = errors.New("at least one subtask is required")

	// Business Logic Conflicts (409 Conflict).
	ErrAlreadySubdivided = errors.New("task is already subdivided")
	ErrTaskDeleted       = errors.New("task is deleted")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400/422.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrTaskNil) ||
		errors.Is(err, ErrNoSubtasks) ||
		models.IsValidationError(err)
}

// IsTransitionError checks if an error is a rejected status change of a task or workflow execution.
func IsTransitionError(err error) bool {
	return lifecycle.IsInvalidTransition(err) || errors.Is(err, tracker.ErrInvalidStatus)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadySubdivided) ||
		errors.Is(err, ErrTaskDeleted)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
