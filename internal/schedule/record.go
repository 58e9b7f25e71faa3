package schedule

import (
	"fmt"
	"strings"

	"applaunch/internal/storage"
)

// Record is a schedule as stored.
type Record = storage.ScheduleRecord

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

func StatusOf(r Record) Status {
	switch {
	case r.Cancelled:
		return StatusCancelled
	case r.Executed:
		return StatusExecuted
	default:
		return StatusScheduled
	}
}

// Filter selects records for List.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterScheduled Filter = "scheduled"
	FilterExecuted  Filter = "executed"
	FilterCancelled Filter = "cancelled"
)

// ParseFilter accepts the filter names case-insensitively. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterScheduled, FilterExecuted, FilterCancelled:
		return f, nil
	default:
		return "", fmt.Errorf("unknown filter %q", s)
	}
}

func (f Filter) Match(r Record) bool {
	switch f {
	case "", FilterAll:
		return true
	default:
		return Status(f) == StatusOf(r)
	}
}
