// Package cron decides whether a cron schedule is due at a given instant.
package cron

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	robcron "github.com/robfig/cron/v3"
)

var parser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// Parse parses a standard five field expression or a descriptor such as @hourly.
// @every intervals are rejected.
// Expressions are evaluated in UTC unless prefixed with CRON_TZ=.
func Parse(expr string) (robcron.Schedule, error) {
	text := strings.TrimSpace(expr)
	if text == "" {
		return nil, errors.New("cron expression is empty")
	}
	if strings.HasPrefix(text, "@every") {
		// interval schedules have no fixed firing instants to be due against
		return nil, errors.Newf("unsupported cron expression %q", text)
	}
	schedule, err := parser.Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cron expression %q", text)
	}
	return schedule, nil
}

// Validate reports whether expr is a usable schedule
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// LastFiring returns the most recent firing of expr in [now-window, now].
// found is false when the schedule did not fire inside the window.
func LastFiring(expr string, now time.Time, window time.Duration) (last time.Time, found bool, err error) {
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	if window < 0 {
		window = 0
	}
	now = now.UTC()

	// Next returns the first activation strictly after its argument, so stepping
	// back one nanosecond makes the lower bound inclusive.
	next := schedule.Next(now.Add(-window).Add(-time.Nanosecond))
	for !next.IsZero() && !next.After(now) {
		last, found = next, true
		next = schedule.Next(next)
	}
	return last, found, nil
}

// IsDue reports whether the most recent firing of expr at or before now is no
// older than tolerance. Malformed expressions are never due.
func IsDue(expr string, now time.Time, tolerance time.Duration) bool {
	_, due := DueFiring(expr, now, tolerance)
	return due
}

// DueFiring returns the firing that makes expr due at now, if any.
// Malformed expressions are never due.
func DueFiring(expr string, now time.Time, tolerance time.Duration) (firing time.Time, due bool) {
	defer func() {
		if recover() != nil {
			firing, due = time.Time{}, false
		}
	}()
	last, found, err := LastFiring(expr, now, tolerance)
	if err != nil || !found {
		return time.Time{}, false
	}
	return last, true
}
