// Package callwindow decides whether an outbound call may be placed now
// or must be deferred to the next calling window.
package callwindow

import "time"

// Policy holds the configured hour bounds. A call may be placed when
// StartHour <= hour(now) < EndHour in now's location.
type Policy struct {
	StartHour int
	EndHour   int
}

// Default is the 9:00-21:00 local window.
var Default = Policy{StartHour: 9, EndHour: 21}

// Within reports whether a call may be placed at now.
func (p Policy) Within(now time.Time) bool {
	h := now.Hour()
	return h >= p.StartHour && h < p.EndHour
}

// NextStart returns the next window opening: today's start if now is
// before it, otherwise tomorrow's start.
func (p Policy) NextStart(now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), p.StartHour, 0, 0, 0, now.Location())
	if now.Before(start) {
		return start
	}
	return start.AddDate(0, 0, 1)
}
