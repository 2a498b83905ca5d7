package board

import (
	"errors"
	"fmt"

	"github.com/basket/taskboard/internal/store"
)

// ValidationError rejects a mutation before any state changes.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown task identifier.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// ConflictError rejects an update whose expected version is stale.
// Current carries the authoritative record so the losing client can
// reconcile without a second round trip.
type ConflictError struct {
	Current *store.TaskView
}

func (e *ConflictError) Error() string {
	return "task has been modified by another user"
}

// ErrNoEligibleUsers is returned by smart assignment when no users are
// registered.
var ErrNoEligibleUsers = errors.New("no users available for assignment")
