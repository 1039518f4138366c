// Package schedule computes fire times for interval, daily and weekly
// schedules used by automation rules and the scheduler tick.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule yields the next fire time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// Every fires at fixed intervals measured from the previous fire time.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(after time.Time) time.Time { return after.Add(e.Interval) }

func (e Every) String() string { return "every " + e.Interval.String() }

// Daily fires once a day at Hour:Minute local time.
type Daily struct {
	Hour, Minute int
}

func (d Daily) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d Daily) String() string { return fmt.Sprintf("daily %02d:%02d", d.Hour, d.Minute) }

// Weekly fires once a week on Weekday at Hour:Minute local time.
type Weekly struct {
	Weekday      time.Weekday
	Hour, Minute int
}

func (w Weekly) Next(after time.Time) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), w.Hour, w.Minute, 0, 0, after.Location())
	days := (int(w.Weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (w Weekly) String() string {
	return fmt.Sprintf("weekly %s %02d:%02d", strings.ToLower(w.Weekday.String()[:3]), w.Hour, w.Minute)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Parse understands "every <duration>", "daily HH:MM" and "weekly <day> HH:MM".
func Parse(spec string) (Schedule, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(spec)))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	switch fields[0] {
	case "every":
		if len(fields) != 2 {
			return nil, fmt.Errorf("schedule %q: expected 'every <duration>'", spec)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("schedule %q: interval must be at least 1m", spec)
		}
		return Every{Interval: d}, nil
	case "daily":
		if len(fields) != 2 {
			return nil, fmt.Errorf("schedule %q: expected 'daily HH:MM'", spec)
		}
		h, m, err := parseClock(fields[1])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		return Daily{Hour: h, Minute: m}, nil
	case "weekly":
		if len(fields) != 3 {
			return nil, fmt.Errorf("schedule %q: expected 'weekly <day> HH:MM'", spec)
		}
		day, ok := weekdays[fields[1]]
		if !ok && len(fields[1]) >= 3 {
			day, ok = weekdays[fields[1][:3]]
		}
		if !ok {
			return nil, fmt.Errorf("schedule %q: unknown weekday %q", spec, fields[1])
		}
		h, m, err := parseClock(fields[2])
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec, err)
		}
		return Weekly{Weekday: day, Hour: h, Minute: m}, nil
	}
	return nil, fmt.Errorf("schedule %q: unknown kind %q", spec, fields[0])
}

func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Due reports whether a schedule that last fired at last should fire at now.
// A schedule that never fired is due at its first fire time after since.
func Due(s Schedule, last *time.Time, since, now time.Time) bool {
	from := since
	if last != nil {
		from = *last
	}
	return !s.Next(from).After(now)
}

// NextTick returns the first tick of a fixed-period timeline anchored at start
// that lies strictly after now. Ticks missed while busy are skipped.
func NextTick(start time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 {
		return now
	}
	if now.Before(start) {
		return start
	}
	n := now.Sub(start)/period + 1
	return start.Add(n * period)
}
