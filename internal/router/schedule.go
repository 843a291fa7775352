package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/majorcontext/corral/internal/store"
)

// localLayouts are accepted for once schedules without a zone offset. They
// are read in the configured location.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NextRun validates a schedule and returns its first run time after now.
// Cron expressions are evaluated in loc. Interval values are milliseconds.
func NextRun(typ store.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.Local
	}
	switch typ {
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(now.In(loc)), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q: must be a positive number of milliseconds", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case store.ScheduleOnce:
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t, nil
		}
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", typ)
}

func newTaskID() string {
	return "task-" + uuid.NewString()
}
