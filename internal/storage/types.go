package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite store.
//
// Path ":memory:" opens a private in-memory database (tests).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// ScheduleRecord is one row of scheduled_apps.
type ScheduleRecord struct {
	ID          int64
	TargetRef   string
	DisplayName string
	ScheduledAt time.Time
	Executed    bool
	Cancelled   bool
	CreatedAt   time.Time
}

// Active reports whether the record is neither executed nor cancelled.
func (r ScheduleRecord) Active() bool { return !r.Executed && !r.Cancelled }

// DeferredTask is one durable entry of the deferred execution queue.
type DeferredTask struct {
	Key       string
	Token     string
	FireAt    time.Time
	Payload   map[string]string
	CreatedAt time.Time
}
