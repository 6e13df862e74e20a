package s2_horizon

import (
	"fmt"
	"time"

	"github.com/wonny/aegis-macro/backend/internal/contracts"
)

// Calendar selects which dates get a horizon row
type Calendar string

const (
	Weekdays Calendar = "weekdays"
	Daily    Calendar = "daily"
)

// ParseCalendar validates a calendar name. Empty means weekdays.
func ParseCalendar(s string) (Calendar, error) {
	switch Calendar(s) {
	case "", Weekdays:
		return Weekdays, nil
	case Daily:
		return Daily, nil
	}
	return "", fmt.Errorf("unknown horizon calendar %q (weekdays, daily)", s)
}

// Dates returns the calendar dates in [from, to], ascending.
func (c Calendar) Dates(from, to time.Time) []time.Time {
	from, to = contracts.TruncateDay(from), contracts.TruncateDay(to)
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if c == Weekdays && (d.Weekday() == time.Saturday || d.Weekday() == time.Sunday) {
			continue
		}
		out = append(out, d)
	}
	return out
}
