package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// NextAt returns the next time after now when the wall clock in loc reads
// hhmm ("15:04"). A time that already passed today resolves to tomorrow.
func NextAt(hhmm string, now time.Time, loc *time.Location) (time.Time, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid minute in %q", hhmm)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", hhmm, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return sched.Next(now.In(loc)), nil
}
