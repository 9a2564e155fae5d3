// Package recurrence computes the next due time of a recurring broadcast.
//
// Supported kinds:
//   - WEEKLY:  from + 7 days, exact
//   - MONTHLY: same day-of-month and time-of-day next month; when that day
//     does not exist, the first day of the month after (Jan 30 -> Mar 1)
//   - CUSTOM:  standard five-field cron ("0 9 * * 1") or a descriptor ("@daily"),
//     evaluated in UTC
package recurrence

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Type is a recurrence kind.
type Type string

const (
	Weekly  Type = "WEEKLY"
	Monthly Type = "MONTHLY"
	Custom  Type = "CUSTOM"
)

var (
	ErrUnknownType  = errors.New("unknown recurrence type")
	ErrInvalidCron  = errors.New("invalid cron expression")
	ErrNoOccurrence = errors.New("no further occurrence")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseType accepts the kind names case-insensitively.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case Weekly, Monthly, Custom:
		return t, nil
	default:
		return "", errors.Wrapf(ErrUnknownType, "%q", s)
	}
}

func (t Type) Valid() bool {
	return t == Weekly || t == Monthly || t == Custom
}

// Validate checks a job's recurrence at creation time so that bad
// expressions never reach execution.
func Validate(t Type, cronExpr string) error {
	switch t {
	case Weekly, Monthly:
		return nil
	case Custom:
		_, err := parseCron(cronExpr)
		return err
	default:
		return errors.Wrapf(ErrUnknownType, "%q", string(t))
	}
}

// Compute returns the next due time strictly after from.
// Errors are ErrUnknownType, ErrInvalidCron or ErrNoOccurrence.
func Compute(t Type, cronExpr string, from time.Time) (time.Time, error) {
	from = from.UTC()
	switch t {
	case Weekly:
		return from.Add(7 * 24 * time.Hour), nil
	case Monthly:
		return nextMonth(from), nil
	case Custom:
		sched, err := parseCron(cronExpr)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}, errors.Wrapf(ErrNoOccurrence, "cron %q after %s", cronExpr, from.Format(time.RFC3339))
		}
		return next.UTC(), nil
	default:
		return time.Time{}, errors.Wrapf(ErrUnknownType, "%q", string(t))
	}
}

// Next is Compute without the reason: ok=false means the job has no next occurrence.
func Next(t Type, cronExpr string, from time.Time) (time.Time, bool) {
	next, err := Compute(t, cronExpr, from)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// Preview lists up to n upcoming occurrences after from.
func Preview(t Type, cronExpr string, from time.Time, n int) ([]time.Time, error) {
	if err := Validate(t, cronExpr); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	cur := from
	for len(out) < n {
		next, err := Compute(t, cronExpr, cur)
		if errors.Is(err, ErrNoOccurrence) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidCron, "expression is empty")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, errors.Wrapf(ErrInvalidCron, "%q: time zone prefixes are not supported, schedules run in UTC", expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cron %q", expr), ErrInvalidCron)
	}
	return sched, nil
}

// nextMonth keeps day-of-month and time-of-day. When the target month is
// too short, it floors (from + 31 days) to day 1 of its month, which is the
// first day of the month after the target.
func nextMonth(from time.Time) time.Time {
	y, m, d := from.Date()
	hh, mm, ss := from.Clock()
	next := time.Date(y, m+1, d, hh, mm, ss, from.Nanosecond(), time.UTC)
	if next.Day() == d {
		return next
	}
	fb := from.AddDate(0, 0, 31)
	return time.Date(fb.Year(), fb.Month(), 1, hh, mm, ss, from.Nanosecond(), time.UTC)
}
