// Package cronexpr evaluates 6-field cron expressions (second, minute, hour,
// day-of-month, month, day-of-week). Parsing and matching are delegated to
// robfig/cron; the wrapper pins the field layout and bounds the search so an
// unsatisfiable expression reports itself instead of spinning forever.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// horizon limits how far Next searches. An expression with no match within one
// year of the reference instant is treated as permanently inactive.
const horizon = 366 * 24 * time.Hour

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed cron expression. The zero value is not usable; obtain
// one via Parse.
type Schedule struct {
	expr  string
	inner cron.Schedule
}

// Parse validates expr and returns a Schedule. Supported syntax: *, ranges
// a-b, steps */n and a-b/n, and lists a,b,c in each of the six fields.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("empty cron expression")
	}
	if fields := strings.Fields(expr); len(fields) != 6 {
		return Schedule{}, fmt.Errorf("cron expression %q: want 6 fields, got %d", expr, len(fields))
	}
	sc, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return Schedule{expr: expr, inner: sc}, nil
}

// Next returns the smallest instant strictly greater than from that matches
// the schedule. ok is false when no such instant exists within one year.
func (s Schedule) Next(from time.Time) (time.Time, bool) {
	t := s.inner.Next(from)
	if t.IsZero() || t.Sub(from) > horizon {
		return time.Time{}, false
	}
	return t, true
}

func (s Schedule) String() string { return s.expr }
