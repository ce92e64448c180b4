// Package schedule evaluates task recurrence: cron expressions, fixed
// intervals, and the run-immediately flag.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ErrInvalidCron is wrapped by every cron parse failure.
var ErrInvalidCron = errors.New("invalid cron expression")

// Spec is the recurrence attached to a task. A spec with neither Cron nor a
// positive IntervalMs does not recur.
type Spec struct {
	Cron           string `json:"cron,omitempty"`
	IntervalMs     int64  `json:"intervalMs,omitempty"`
	EventTrigger   string `json:"eventTrigger,omitempty"`
	RunImmediately bool   `json:"runImmediately,omitempty"`
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidCron, cronExpr, err)
	}
	return sched.Next(after), nil
}

// Validate rejects unparseable cron expressions and negative intervals.
func (s Spec) Validate() error {
	if c := strings.TrimSpace(s.Cron); c != "" {
		if _, err := NextRunTime(c, time.Now()); err != nil {
			return err
		}
	}
	if s.IntervalMs < 0 {
		return fmt.Errorf("interval must not be negative: %d", s.IntervalMs)
	}
	return nil
}

// Recurs reports whether the schedule produces further occurrences.
func (s Spec) Recurs() bool {
	return strings.TrimSpace(s.Cron) != "" || s.IntervalMs > 0
}

// Next returns the first occurrence strictly after from, or nil when the schedule
// does not recur. Cron wins over interval when both are set.
func (s Spec) Next(from time.Time) (*time.Time, error) {
	if c := strings.TrimSpace(s.Cron); c != "" {
		next, err := NextRunTime(c, from)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	if s.IntervalMs > 0 {
		next := from.Add(time.Duration(s.IntervalMs) * time.Millisecond)
		return &next, nil
	}
	return nil, nil
}

// Initial decides the first nextRunAt for a newly created task. scheduled is
// false when the task should wait in pending with no run time.
func (s Spec) Initial(now time.Time) (next *time.Time, scheduled bool, err error) {
	if err := s.Validate(); err != nil {
		return nil, false, err
	}
	if s.RunImmediately {
		at := now
		return &at, true, nil
	}
	next, err = s.Next(now)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return nil, false, nil
	}
	return next, true, nil
}

// Describe renders the schedule for CLI listings.
func (s Spec) Describe() string {
	var parts []string
	if c := strings.TrimSpace(s.Cron); c != "" {
		parts = append(parts, "cron("+c+")")
	}
	if s.IntervalMs > 0 {
		parts = append(parts, "every "+(time.Duration(s.IntervalMs)*time.Millisecond).String())
	}
	if s.EventTrigger != "" {
		parts = append(parts, "on "+s.EventTrigger)
	}
	if len(parts) == 0 {
		return "once"
	}
	return strings.Join(parts, " ")
}
