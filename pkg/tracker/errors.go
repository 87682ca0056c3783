package tracker

import (
	"errors"
	"fmt"

	"github.com/dukex/taskflow/pkg/models"
)

// ErrInvalidStatus is matched by rejected aggregate status changes.
var ErrInvalidStatus = errors.New("invalid workflow status transition")

// InvalidStatusError is a rejected aggregate status change. It also matches
// models.ErrValidation.
type InvalidStatusError struct {
	WorkflowID string
	From       models.WorkflowStatus
	To         models.WorkflowStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("workflow %s: %s -> %s is not allowed", e.WorkflowID, e.From, e.To)
}

func (e *InvalidStatusError) Is(target error) bool {
	return target == ErrInvalidStatus || target == models.ErrValidation
}
