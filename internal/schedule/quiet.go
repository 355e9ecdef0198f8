package schedule

import (
	"log"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is an hour range during which proactive sends are suppressed.
// Start..End is half-open on whole hours and may wrap midnight ("23-7").
// Start == End means the window is disabled.
type QuietWindow struct {
	Start int
	End   int
}

// ParseQuietHours parses a "1-7" style hour range. A blank or malformed
// value yields a disabled window.
func ParseQuietHours(s string) QuietWindow {
	s = strings.TrimSpace(s)
	if s == "" {
		return QuietWindow{}
	}

	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		log.Printf("[schedule] bad quiet hours %q, disabling", s)
		return QuietWindow{}
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(lo))
	end, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil || start < 0 || start > 23 || end < 0 || end > 24 {
		log.Printf("[schedule] bad quiet hours %q, disabling", s)
		return QuietWindow{}
	}
	return QuietWindow{Start: start, End: end}
}

// Contains reports whether t falls inside the quiet window.
func (w QuietWindow) Contains(t time.Time) bool {
	if w.Start == w.End {
		return false
	}
	return HourInRange(t.Hour(), w.Start, w.End)
}

// NextEnd returns the next moment the quiet window closes, at or after t.
// For a time already outside the window it returns t unchanged.
func (w QuietWindow) NextEnd(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), w.End%24, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}
