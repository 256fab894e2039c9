package cronexpr

import (
	"testing"
	"time"
)

func at(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestParseRejectsBadExpressions(t *testing.T) {
	cases := []string{
		"",
		"* * * * *",        // 5 fields
		"* * * * * * *",    // 7 fields
		"61 * * * * *",     // out of range second
		"* * 25 * * *",     // out of range hour
		"* * * * 13 *",     // out of range month
		"a * * * * *",      // garbage
	}
	for _, expr := range cases {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q): expected error", expr)
		}
	}
}

func TestNextTable(t *testing.T) {
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"*/1 * * * * *", at(2026, 8, 1, 12, 0, 0), at(2026, 8, 1, 12, 0, 1)},
		{"0 0 * * * *", at(2026, 8, 1, 12, 34, 56), at(2026, 8, 1, 13, 0, 0)},
		{"30 5 14 * * *", at(2026, 8, 1, 0, 0, 0), at(2026, 8, 1, 14, 5, 30)},
		{"0,30 * * * * *", at(2026, 8, 1, 12, 0, 10), at(2026, 8, 1, 12, 0, 30)},
		{"15-20 * * * * *", at(2026, 8, 1, 12, 0, 10), at(2026, 8, 1, 12, 0, 15)},
		{"0 */15 * * * *", at(2026, 8, 1, 12, 7, 0), at(2026, 8, 1, 12, 15, 0)},
		{"10-50/20 * * * * *", at(2026, 8, 1, 12, 0, 0), at(2026, 8, 1, 12, 0, 10)},
		{"0 0 9 * * 1", at(2026, 8, 1, 0, 0, 0), at(2026, 8, 3, 9, 0, 0)}, // next Monday
		{"0 0 0 1 1 *", at(2026, 8, 1, 0, 0, 0), at(2027, 1, 1, 0, 0, 0)},
	}
	for _, c := range cases {
		sched, err := Parse(c.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.expr, err)
		}
		got, ok := sched.Next(c.from)
		if !ok {
			t.Fatalf("Next(%q, %v): no instant", c.expr, c.from)
		}
		if !got.Equal(c.want) {
			t.Errorf("Next(%q, %v) = %v, want %v", c.expr, c.from, got, c.want)
		}
	}
}

func TestNextIsStrictlyAfterFrom(t *testing.T) {
	sched, err := Parse("0 0 12 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := at(2026, 8, 1, 12, 0, 0) // exactly on a match
	got, ok := sched.Next(from)
	if !ok {
		t.Fatal("expected a next instant")
	}
	if !got.After(from) {
		t.Fatalf("Next returned %v, not strictly after %v", got, from)
	}
	if want := at(2026, 8, 2, 12, 0, 0); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextUnsatisfiable(t *testing.T) {
	sched, err := Parse("0 0 0 31 2 *") // February 31st never happens
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, ok := sched.Next(at(2026, 8, 1, 0, 0, 0)); ok {
		t.Fatalf("expected no instant, got %v", got)
	}
}

func TestStringRoundtrip(t *testing.T) {
	const expr = "*/5 1-10 * * * *"
	sched, err := Parse(expr)
	if err != nil {
		t.Fatal(err)
	}
	if sched.String() != expr {
		t.Fatalf("String() = %q, want %q", sched.String(), expr)
	}
}
