// Package window maps instants and calendar dates to UTC window boundaries
// in the shop's fixed local calendar (IST, UTC+05:30, no daylight saving).
package window

import (
	"regexp"
	"strconv"
	"time"
)

const offsetSeconds = 5*3600 + 30*60

// Local is the fixed reporting zone. It deliberately does not come from the
// tz database so results never depend on the host configuration.
var Local = time.FixedZone("IST", offsetSeconds)

const DateLayout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// StartOfDay returns local 00:00 of the local date containing now, in UTC.
func StartOfDay(now time.Time) time.Time {
	local := now.In(Local)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Local).UTC()
}

// StartOfWeek returns local Sunday 00:00 of the week containing now.
func StartOfWeek(now time.Time) time.Time {
	local := now.In(Local)
	back := int(local.Weekday())
	return time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, Local).UTC()
}

// StartOfMonth returns local 00:00 on day 1 of the month containing now.
func StartOfMonth(now time.Time) time.Time {
	local := now.In(Local)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, Local).UTC()
}

// NextDay is start plus exactly 24 hours. With a fixed offset this is the
// next local midnight; it must not be rebuilt from local calendar fields.
func NextDay(start time.Time) time.Time {
	return start.Add(24 * time.Hour)
}

// ParseLocalDate reads a YYYY-MM-DD calendar date as local midnight and
// returns it in UTC (the previous UTC day at 18:30). Missing or malformed
// input yields false. Day and month overflow normalizes like calendar
// arithmetic, so 2024-02-30 is 2024-03-01.
func ParseLocalDate(s string) (time.Time, bool) {
	if !datePattern.MatchString(s) {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(s[0:4])
	month, _ := strconv.Atoi(s[5:7])
	day, _ := strconv.Atoi(s[8:10])
	if year == 0 || month == 0 || day == 0 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, Local).UTC(), true
}

// LocalDate formats the local calendar date of t.
func LocalDate(t time.Time) string {
	return t.In(Local).Format(DateLayout)
}

// Window is the half-open interval [Start, End). A zero End is unbounded.
type Window struct {
	Start time.Time
	End   time.Time
}

func Since(start time.Time) Window {
	return Window{Start: start}
}

func Day(start time.Time) Window {
	return Window{Start: start, End: NextDay(start)}
}

// Range covers the full local days from..to inclusive; both are local
// midnights as returned by ParseLocalDate.
func Range(from time.Time, to time.Time) Window {
	return Window{Start: from, End: NextDay(to)}
}

func (w Window) Bounded() bool {
	return !w.End.IsZero()
}

func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return !w.Bounded() || t.Before(w.End)
}
