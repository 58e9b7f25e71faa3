package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTargetNotFound   = errors.New("target not found")
	ErrScheduleConflict = errors.New("schedule conflict")
	ErrNotFound         = errors.New("schedule not found")
	ErrInvalidState     = errors.New("schedule is not in a valid state for this operation")
	// ErrExecutionDelivery marks a deferred backend failure. It is logged
	// and published, never returned by repository writes.
	ErrExecutionDelivery = errors.New("execution delivery failed")
	ErrStorage           = errors.New("storage failure")
)

// ConflictError is returned when a create or update lands inside the
// buffer window of another active schedule. The caller may pick another
// time and retry.
type ConflictError struct {
	Message   string
	Retryable bool
	At        time.Time
}

func newConflictError(at time.Time, window time.Duration) *ConflictError {
	return &ConflictError{
		Message:   "Schedule conflict: Another app is scheduled within " + humanWindow(window),
		Retryable: true,
		At:        at,
	}
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Is(target error) bool { return target == ErrScheduleConflict }

func humanWindow(d time.Duration) string {
	if d > 0 && d%time.Minute == 0 {
		if m := int64(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	}
	return d.String()
}

// Kind classifies repository errors for presentation code.
type Kind int

const (
	KindNone Kind = iota
	KindUnknown
	KindTargetNotFound
	KindConflict
	KindNotFound
	KindInvalidState
	KindDelivery
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTargetNotFound:
		return "target_not_found"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindDelivery:
		return "delivery"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTargetNotFound):
		return KindTargetNotFound
	case errors.Is(err, ErrScheduleConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrExecutionDelivery):
		return KindDelivery
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}

// storageErr wraps unexpected failures with ErrStorage and passes the
// repository's own errors through.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindUnknown {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
