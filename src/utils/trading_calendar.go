package utils

import (
	"strings"
	"sync"
	"time"

	"github.com/scmhub/calendar"
)

// TradingCalendar answers session questions for one exchange using scmhub/calendar.
type TradingCalendar struct {
	Calendar *calendar.Calendar
	Fallback bool
	Timezone *time.Location
}

var (
	calendarsMu sync.Mutex
	calendars   = map[string]*TradingCalendar{}
)

// -----------------------------------------------------------------------------

// micByExchange maps portal listing exchanges to ISO 10383 MIC codes.
var micByExchange = map[string]string{
	"NYSE":   "xnys",
	"NASDAQ": "xnas",
	"ARCA":   "xnys",
	"AMEX":   "xnys",
	"BATS":   "xnys",
	"CBOE":   "xnys",
	"LSE":    "xlon",
	"SBF":    "xpar",
	"IBIS":   "xfra",
	"AEB":    "xams",
	"TSE":    "xtse",
	"SEHK":   "xhkg",
	"ASX":    "xasx",
}

// -----------------------------------------------------------------------------

// GetCalendar returns the calendar of a listing exchange, NYSE when unknown.
// Calendars are built once and shared.
func GetCalendar(exchange string) *TradingCalendar {
	mic, ok := micByExchange[strings.ToUpper(exchange)]
	if !ok {
		mic = "xnys"
	}

	calendarsMu.Lock()
	defer calendarsMu.Unlock()

	if tc, ok := calendars[mic]; ok {
		return tc
	}

	cal := calendar.GetCalendar(mic)
	if cal == nil {
		// Fallback to xnys if not found
		cal = calendar.GetCalendar("xnys")
	}

	var tc *TradingCalendar
	if cal == nil {
		// Simple fallback: Mon-Fri 09:30-16:00 New York
		nyLoc, _ := time.LoadLocation("America/New_York")
		if nyLoc == nil {
			nyLoc = time.UTC
		}
		tc = &TradingCalendar{Fallback: true, Timezone: nyLoc}
	} else {
		tc = &TradingCalendar{Calendar: cal, Timezone: cal.Loc}
	}

	calendars[mic] = tc
	return tc
}

// USCalendar is the calendar US equity options expire on.
func USCalendar() *TradingCalendar {
	return GetCalendar("NYSE")
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}

	if tc.Fallback {
		weekday := date.Weekday()
		return weekday != time.Saturday && weekday != time.Sunday
	}
	return tc.Calendar.IsBusinessDay(date)
}

// -----------------------------------------------------------------------------

// IsOpen reports whether the regular session is running at t.
func (tc *TradingCalendar) IsOpen(t time.Time) bool {
	if tc.Timezone != nil {
		t = t.In(tc.Timezone)
	}

	if tc.Fallback {
		if !tc.IsTradingDay(t) {
			return false
		}
		minutes := t.Hour()*60 + t.Minute()
		return minutes >= 9*60+30 && minutes < 16*60
	}

	return tc.Calendar.IsOpen(t)
}

// -----------------------------------------------------------------------------

// TradingDaysBetween counts the trading days after from up to and including to.
// It returns 0 when to is not after from.
func (tc *TradingCalendar) TradingDaysBetween(from, to time.Time) int {
	loc := tc.Timezone
	if loc == nil {
		loc = time.UTC
	}
	start := dateOnly(from.In(loc))
	end := dateOnly(to.In(loc))

	n := 0
	for d := start.AddDate(0, 0, 1); !d.After(end); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	// Noon keeps DST shifts from moving the date
	return time.Date(y, m, d, 12, 0, 0, 0, t.Location())
}
