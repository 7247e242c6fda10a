package queue

import (
	"fmt"
	"time"
)

// FormatNumber renders the human-readable ticket number for the given
// shop-local day and per-day sequence, e.g. "Q-260310-007".
func FormatNumber(day time.Time, seq int) string {
	return fmt.Sprintf("Q-%s-%03d", day.UTC().Format("060102"), seq)
}

// dayBounds returns the UTC day window [start, end) containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
