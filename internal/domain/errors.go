package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyExists  = errors.New("job already exists")
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// ValidationError rejects a job before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return errors.WithStack(&ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// TerminalStateError is returned for any transition out of EXECUTED, CANCELED or ERROR.
type TerminalStateError struct {
	ID   string
	From Status
	To   Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("job %s is terminal (%s), cannot move to %s", e.ID, e.From, e.To)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsTerminal(err error) bool {
	var t *TerminalStateError
	return errors.As(err, &t)
}
