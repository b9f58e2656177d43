package sync

import (
	"fmt"
	"time"

	"github.com/qualys/certview-mirror/internal/certview/model"
)

// Interval selects the window granularity used while planning a sweep.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// ParseInterval validates a user-supplied interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalDaily, IntervalMonthly, IntervalYearly:
		return Interval(s), nil
	default:
		return "", fmt.Errorf("invalid sync interval %q: must be daily, monthly, or yearly", s)
	}
}

// window is one bounded [start, end] range of the sweep, both inclusive and
// formatted per model.DateTimeLayout.
type window struct {
	start string
	end   string
}

// firstCursor computes the sweep's starting point from the last checkpoint:
// one day past the last successfully ingested validFromDate. This prevents
// re-ingesting the boundary day at the cost of possibly skipping records
// sharing that day's exact timestamp (an accepted tradeoff).
func firstCursor(lastValidFromDate string) (time.Time, error) {
	t, err := time.Parse(model.DateTimeLayout, lastValidFromDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint %q: %w", lastValidFromDate, err)
	}
	return t.AddDate(0, 0, 1), nil
}

// nextWindow returns the window containing cursor, clamped at now, along
// with the cursor value for the window immediately following it.
func nextWindow(cursor, now time.Time, interval Interval) (window, time.Time) {
	var end, next time.Time

	switch interval {
	case IntervalDaily:
		dayStart := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC)
		end = dayStart.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		next = dayStart.AddDate(0, 0, 1)
	case IntervalMonthly:
		monthStart := time.Date(cursor.Year(), cursor.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = monthStart.AddDate(0, 1, 0)
		end = next.Add(-time.Second)
	default: // IntervalYearly
		yearStart := time.Date(cursor.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		next = yearStart.AddDate(1, 0, 0)
		end = next.Add(-time.Second)
	}

	if end.After(now) {
		end = now
	}

	return window{
		start: cursor.Format(model.DateTimeLayout),
		end:   end.Format(model.DateTimeLayout),
	}, next
}
