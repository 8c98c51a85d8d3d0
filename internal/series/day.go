package series

import (
	"fmt"
	"time"
)

// dayLayout is the only accepted anchor-day form. ISO dates compare
// correctly as strings, which the store's ORDER BY relies on.
const dayLayout = "2006-01-02"

// Day is a calendar day (YYYY-MM-DD). Anchor days are always day-grained;
// intra-day resolution belongs to RetrievedAt, not to the anchor.
type Day string

// ParseDay validates and returns a Day. Rejects impossible dates and any
// format other than YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid anchor day %q: %w", s, err)
	}
	// time.Parse normalizes out-of-range components; a round-trip mismatch
	// means the input named a day that does not exist.
	if t.Format(dayLayout) != s {
		return "", fmt.Errorf("invalid anchor day %q", s)
	}
	return Day(s), nil
}

// MustDay is like ParseDay but panics on error. Use only in tests or with
// literal inputs.
func MustDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DayOf returns the calendar day containing t, in UTC.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format(dayLayout))
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		panic(fmt.Sprintf("malformed Day %q: %v", string(d), err))
	}
	return t
}

// AddDays returns the day n days after d (n may be negative).
func (d Day) AddDays(n int) Day {
	return DayOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other. Valid days order
// correctly under string comparison.
func (d Day) Before(other Day) bool {
	return string(d) < string(other)
}

// Validate reports malformed days that bypassed ParseDay.
func (d Day) Validate() error {
	_, err := ParseDay(string(d))
	return err
}

// Window is an inclusive day range. It is a volatile request argument: it
// selects which anchor days a fetch covers, and never participates in
// subject or slice identity.
type Window struct {
	From Day `json:"from" yaml:"from"`
	To   Day `json:"to" yaml:"to"`
}

// Validate checks both endpoints and their order.
func (w Window) Validate() error {
	if err := w.From.Validate(); err != nil {
		return fmt.Errorf("window from: %w", err)
	}
	if err := w.To.Validate(); err != nil {
		return fmt.Errorf("window to: %w", err)
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("window %s..%s is inverted", w.From, w.To)
	}
	return nil
}

// Days enumerates every day in the window, in order.
func (w Window) Days() []Day {
	days := []Day{}
	for d := w.From; !w.To.Before(d); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether d falls inside the window.
func (w Window) Contains(d Day) bool {
	return !d.Before(w.From) && !w.To.Before(d)
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.From, w.To)
}
