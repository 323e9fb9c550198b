package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Symbolic rules. Anything else is handed to the cron parser.
const (
	RuleDaily    = "daily"
	RuleWeekly   = "weekly"
	RuleMonthly  = "monthly"
	RuleWeekdays = "weekdays"
)

// ErrUnknownRule marks a rule string that is neither symbolic nor a valid
// cron expression. The recurring-task worker logs and drops the event.
var ErrUnknownRule = errors.New("unknown recurrence rule")

// RuleError carries the offending rule string.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return ErrUnknownRule }

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Next computes the occurrence after anchor for a rule. ok is false when
// the series has ended: the computed instant would be at or after end.
//
// Pure function: no clock reads, no side effects.
func Next(rule string, anchor time.Time, end *time.Time) (time.Time, bool, error) {
	var next time.Time

	switch strings.ToLower(strings.TrimSpace(rule)) {
	case RuleDaily:
		next = anchor.Add(24 * time.Hour)
	case RuleWeekly:
		next = anchor.Add(7 * 24 * time.Hour)
	case RuleMonthly:
		next = addMonthClamped(anchor)
	case RuleWeekdays:
		next = nextWeekday(anchor)
	case "":
		return time.Time{}, false, &RuleError{Rule: rule, Err: errors.New("empty rule")}
	default:
		sched, err := cronParser.Parse(rule)
		if err != nil {
			return time.Time{}, false, &RuleError{Rule: rule, Err: err}
		}
		next = sched.Next(anchor)
		if next.IsZero() {
			return time.Time{}, false, &RuleError{Rule: rule, Err: errors.New("no next activation")}
		}
	}

	if end != nil && !next.Before(*end) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// addMonthClamped advances one calendar month, clamping day-of-month to the
// last valid day of the target month (Jan 31 → Feb 28/29). time.AddDate
// would normalize Jan 31 to Mar 3 instead.
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	targetMonth := month + 1
	targetYear := year
	if targetMonth > time.December {
		targetMonth = time.January
		targetYear++
	}

	if last := daysIn(targetYear, targetMonth); day > last {
		day = last
	}

	return time.Date(targetYear, targetMonth, day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// nextWeekday advances one day, rolling Saturday/Sunday forward to Monday.
func nextWeekday(t time.Time) time.Time {
	next := t.Add(24 * time.Hour)
	switch next.Weekday() {
	case time.Saturday:
		next = next.Add(48 * time.Hour)
	case time.Sunday:
		next = next.Add(24 * time.Hour)
	}
	return next
}

func daysIn(year int, month time.Month) int {
	// day 0 of the following month normalizes to the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
