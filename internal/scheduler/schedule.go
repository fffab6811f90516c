package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseSchedule compiles a task schedule into a cron.Schedule.
//
// Accepted forms:
//
//	"08:00"            every day at 08:00
//	"mon 08:00"        every Monday at 08:00
//	"@every 6h", "6h"  fixed interval, relative to the previous run
//
// Daily and weekly schedules are evaluated against wall-clock time in the
// location of the time passed to Next, so they never drift.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		return parseInterval(strings.TrimSpace(rest), spec)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s, spec)
	}

	fields := strings.Fields(s)
	var expr string
	switch len(fields) {
	case 1:
		h, m, err := parseClock(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
		}
		expr = fmt.Sprintf("%d %d * * *", m, h)
	case 2:
		day, ok := weekdays[fields[0]]
		if !ok {
			return nil, fmt.Errorf("%w %q: unknown weekday %q", ErrInvalidSchedule, spec, fields[0])
		}
		h, m, err := parseClock(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
		}
		expr = fmt.Sprintf("%d %d * * %d", m, h, int(day))
	default:
		return nil, fmt.Errorf("%w %q", ErrInvalidSchedule, spec)
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	return sched, nil
}

func parseInterval(v, spec string) (cron.Schedule, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
	}
	if d < time.Second {
		return nil, fmt.Errorf("%w %q: interval must be at least 1s", ErrInvalidSchedule, spec)
	}
	return cron.Every(d), nil
}

func parseClock(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour out of range in %q", v)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("minute out of range in %q", v)
	}
	return hour, minute, nil
}

// ValidateSchedule validates a schedule string.
func ValidateSchedule(spec string) error {
	_, err := ParseSchedule(spec)
	return err
}

// NextRun returns the first activation of spec strictly after now. It is a
// pure function of its arguments.
func NextRun(spec string, now time.Time) (time.Time, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
