package barcache

import "time"

var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// overlapsRTH reports whether [start, end) overlaps US equity regular
// trading hours (9:30–16:00 America/New_York, Monday–Friday). Holidays
// are not modeled — no market-calendar library appears anywhere in the
// example corpus, so this stays a first-principles weekday/time-of-day
// check rather than a full trading calendar.
func overlapsRTH(start, end time.Time) bool {
	s, e := start.In(newYork), end.In(newYork)
	if isRTH(s) {
		return true
	}
	// otherwise the span overlaps a session only if a session opens inside it.
	for day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, newYork); day.Before(e); day = day.AddDate(0, 0, 1) {
		open := time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, newYork)
		if open.After(s) && open.Before(e) && isRTH(open) {
			return true
		}
	}
	return false
}

func isRTH(t time.Time) bool {
	t = t.In(newYork)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, newYork)
	mktClose := time.Date(t.Year(), t.Month(), t.Day(), 16, 0, 0, 0, newYork)
	return !t.Before(open) && t.Before(mktClose)
}
