package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task expired in queue")
)

// NoRetry marks an error as non-retryable.
//
// Tasks wrap permanent failures with NoRetry so the engine won't waste
// attempts on them.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("schedule %d: %w", id, ErrNotFound))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
