// Package market provides the trading-session calendar used by the
// historical data cache to decide freshness.
package market

import "time"

// CME Globex equity-index schedule, in exchange local time (Chicago):
// open Sunday 17:00, close Friday 16:00, daily maintenance halt
// 16:00-17:00 Monday through Thursday.
const (
	openHour = 17
	haltHour = 16
)

var chicago *time.Location

func init() {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		// CST without DST. Wrong for half the year but keeps the
		// calendar functional on systems without tzdata.
		loc = time.FixedZone("CST", -6*60*60)
	}
	chicago = loc
}

// Calendar answers session-open questions for futures symbols.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns the CME Globex calendar.
func NewCalendar() *Calendar {
	return &Calendar{loc: chicago}
}

// IsOpen reports whether the market session is open at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	lt := t.In(c.loc)
	switch lt.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return lt.Hour() >= openHour
	case time.Friday:
		return lt.Hour() < haltHour
	default: // Mon-Thu: closed only during the maintenance halt
		return lt.Hour() < haltHour || lt.Hour() >= openHour
	}
}

// NextOpen returns the next time the session opens at or after t.
// If the market is already open it returns t unchanged.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	if c.IsOpen(t) {
		return t
	}

	lt := t.In(c.loc)
	openToday := time.Date(lt.Year(), lt.Month(), lt.Day(), openHour, 0, 0, 0, c.loc)

	switch lt.Weekday() {
	case time.Saturday:
		return openToday.AddDate(0, 0, 1) // Sunday 17:00
	case time.Sunday:
		return openToday
	case time.Friday:
		return openToday.AddDate(0, 0, 2) // Sunday 17:00
	default:
		// Inside the Mon-Thu maintenance halt.
		return openToday
	}
}
