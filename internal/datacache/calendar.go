package datacache

import "time"

// isTradingDay reports whether d falls on a weekday. Exchange holidays are
// the provider's concern; the cache only needs an upper bound on the
// expected calendar span.
func isTradingDay(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// tradingDays counts the weekdays in [start, end], inclusive.
func tradingDays(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	n := 0
	for d := dateOnly(start); !d.After(dateOnly(end)); d = d.AddDate(0, 0, 1) {
		if isTradingDay(d) {
			n++
		}
	}
	return n
}

// lastTradingDay returns the most recent weekday at or before d.
func lastTradingDay(d time.Time) time.Time {
	d = dateOnly(d)
	for !isTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// expectedLatestBar returns the most recent trading day the cache should
// hold for a request ending at end, given the current time. A cached
// dataset whose latest bar predates this is stale.
func expectedLatestBar(end, now time.Time) time.Time {
	e := dateOnly(end)
	if n := dateOnly(now); n.Before(e) {
		e = n
	}
	return lastTradingDay(e)
}

func dateOnly(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
