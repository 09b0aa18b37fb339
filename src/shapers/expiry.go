package shapers

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"portal-relay/src/models"
	"portal-relay/src/utils"
)

var (
	// [IBIT  250731C00065000 100]
	occTokenRe = regexp.MustCompile(`\[\s*\S+\s+(\d{6})[CP]\d{8}`)
	// JUL2025 or JUL25
	monthTokenRe = regexp.MustCompile(`\b(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(\d{4}|\d{2})\b`)
)

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// -----------------------------------------------------------------------------

// ExpiryFromDescription reads the expiry date of an option description. The
// bracketed OCC symbol is exact; a bare month token falls back to the third
// Friday of that month.
func ExpiryFromDescription(desc string) (time.Time, bool) {
	if m := occTokenRe.FindStringSubmatch(desc); m != nil {
		if t, err := time.Parse("060102", m[1]); err == nil {
			return t, true
		}
	}

	m := monthTokenRe.FindStringSubmatch(strings.ToUpper(desc))
	if m == nil {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	if year < 100 {
		year += 2000
	}
	return thirdFriday(year, months[m[1]]), true
}

func thirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// -----------------------------------------------------------------------------

// DaysToExpire counts calendar days from now to expiry, never below zero.
func DaysToExpire(expiry, now time.Time) int {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	ey, em, ed := expiry.Date()
	exp := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)

	days := int(exp.Sub(today).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// -----------------------------------------------------------------------------

// AnnotateExpiry sets daysToExpire and tradingDaysToExpire on an option position.
// Positions without a readable expiry are returned unchanged.
func AnnotateExpiry(pos models.MPosition, now time.Time, cal *utils.TradingCalendar) models.MPosition {
	expiry, ok := ExpiryFromDescription(pos.ContractDesc)
	if !ok {
		return pos
	}

	days := DaysToExpire(expiry, now)
	pos.DaysToExpire = &days

	if cal != nil {
		// Expiry dates carry no zone; read them as exchange-local dates
		loc := cal.Timezone
		if loc == nil {
			loc = time.UTC
		}
		y, m, d := expiry.Date()
		local := time.Date(y, m, d, 12, 0, 0, 0, loc)
		trading := cal.TradingDaysBetween(now, local)
		pos.TradingDaysToExpire = &trading
	}
	return pos
}
