// Package timeutil normalizes the timestamp formats that flow through the
// nudge engine: ISO-8601 strings from Pyrus webhooks and API payloads, the
// canonical UTC text stored in SQLite, and the daily reminder slot used to
// schedule the next escalation run.
package timeutil

import (
	"fmt"
	"time"
)

// isoLayout renders times the way they are persisted: microsecond precision
// with trailing zeros trimmed, and a numeric UTC offset instead of "Z"
// ("2030-01-01T00:00:00+00:00"). ParseISOToUTC accepts this form back, so
// stored values survive a round trip unchanged.
const isoLayout = "2006-01-02T15:04:05.999999-07:00"

// parseLayouts are tried in order. Fractional seconds are optional in each.
var parseLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Daily reminder slot in the configured schedule zone.
const (
	slotHour   = 10
	slotMinute = 40
)

// ParseISOToUTC parses an ISO-8601 timestamp and returns it in UTC.
//
// Accepted forms:
//   - explicit offset or trailing Z: "2030-01-01T03:00:00+03:00", "2030-01-01T00:00:00Z"
//   - naive (no offset): treated as already UTC
//   - date-only: treated as midnight UTC
//
// The result is truncated to microseconds so that values written with ToISO
// compare equal after a round trip.
func ParseISOToUTC(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().Truncate(time.Microsecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", s)
}

// ToISO renders t as canonical UTC ISO-8601 text with a "+00:00" offset.
func ToISO(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(isoLayout)
}

// NormalizeDue parses a due string in any accepted form and re-serializes it
// in the canonical UTC format. Date-only input becomes midnight UTC.
func NormalizeDue(due string) (string, error) {
	t, err := ParseISOToUTC(due)
	if err != nil {
		return "", fmt.Errorf("normalize due: %w", err)
	}
	return ToISO(t), nil
}

// AddMinutes parses due, adds the given number of minutes, and returns the
// canonical UTC form. Used when a webhook carries a duration alongside the
// due date.
func AddMinutes(due string, minutes int) (string, error) {
	t, err := ParseISOToUTC(due)
	if err != nil {
		return "", fmt.Errorf("add minutes to due: %w", err)
	}
	return ToISO(t.Add(time.Duration(minutes) * time.Minute)), nil
}

// AddInterval shifts due by the given interval and returns the canonical UTC
// form. An empty due is passed through unchanged, matching callers that treat
// a missing due as "no deadline".
func AddInterval(due string, days, hours, minutes, seconds int) (string, error) {
	if due == "" {
		return "", nil
	}
	t, err := ParseISOToUTC(due)
	if err != nil {
		return "", fmt.Errorf("add interval to due: %w", err)
	}
	t = t.AddDate(0, 0, days).
		Add(time.Duration(hours)*time.Hour +
			time.Duration(minutes)*time.Minute +
			time.Duration(seconds)*time.Second)
	return ToISO(t), nil
}

// NextDailySlot returns the next occurrence of the daily reminder slot
// (10:40) in the named zone, converted to UTC: today's slot if it is still
// ahead of now, otherwise tomorrow's. An unknown zone falls back to UTC.
func NextDailySlot(now time.Time, tz string) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), slotHour, slotMinute, 0, 0, loc)
	if !slot.After(local) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot.UTC()
}
