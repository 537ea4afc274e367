package repository

import (
	"fmt"
	"time"
)

// dateLayout is how DATE columns are stored. Dates are kept as plain
// YYYY-MM-DD strings so equality and range comparisons behave the same
// regardless of the writer's timezone.
const dateLayout = "2006-01-02"

func fmtDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}
