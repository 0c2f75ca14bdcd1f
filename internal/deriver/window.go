package deriver

import (
	"fmt"
	"time"
)

// Window is a half-open [Start, End) aggregation window, fixed-size and
// aligned to the Unix epoch so every fact has exactly one owning window.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor returns the window of the given size that owns t.
func WindowFor(t time.Time, size time.Duration) Window {
	start := t.UTC().Truncate(size)
	return Window{Start: start, End: start.Add(size)}
}

// WindowsOverlapping returns every window of the given size that intersects
// [start, end), in chronological order.
func WindowsOverlapping(start, end time.Time, size time.Duration) []Window {
	var out []Window
	for w := WindowFor(start, size); w.Start.Before(end); w.Start, w.End = w.Start.Add(size), w.End.Add(size) {
		out = append(out, w)
	}
	return out
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// String renders the window for logs and error messages.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// MonthOf returns the UTC calendar month containing t, the billing period
// granularity used by the rating engine and input-version tracking.
func MonthOf(t time.Time) Window {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}
