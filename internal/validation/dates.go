package validation

import (
	"time"

	"vegwatch/internal/types"
)

// Window is one inclusive aggregation window.
type Window struct {
	Start string
	End   string
}

// IterDateWindows splits the inclusive range [start, end] into consecutive
// windows of windowDays days. The last window is truncated at end.
func IterDateWindows(start, end string, windowDays int) ([]Window, error) {
	s, err := ParseDate("start", start)
	if err != nil {
		return nil, err
	}
	e, err := ParseDate("end", end)
	if err != nil {
		return nil, err
	}
	if windowDays < 1 {
		windowDays = 1
	}

	var out []Window
	for cur := s; !cur.After(e); cur = cur.AddDate(0, 0, windowDays) {
		we := cur.AddDate(0, 0, windowDays-1)
		if we.After(e) {
			we = e
		}
		out = append(out, Window{Start: cur.Format(types.DateLayout), End: we.Format(types.DateLayout)})
	}
	return out, nil
}

// PeriodEnding returns the inclusive range of periodDays days ending at date.
func PeriodEnding(date string, periodDays int) (string, string, error) {
	e, err := ParseDate("date", date)
	if err != nil {
		return "", "", err
	}
	if periodDays < 1 {
		periodDays = 1
	}
	s := e.AddDate(0, 0, -(periodDays - 1))
	return s.Format(types.DateLayout), e.Format(types.DateLayout), nil
}

// Today returns now's calendar date in DateLayout.
func Today(now time.Time) string {
	return now.UTC().Format(types.DateLayout)
}
