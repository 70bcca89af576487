// Package schedule computes the next update window from a frequency
// specification. Next is a pure function of its inputs; all computation is
// in UTC.
package schedule

import (
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/agent/settings"
)

// Disabled is the zero time, meaning no window is scheduled.
var Disabled = time.Time{}

// Next returns the earliest instant at or after now matching freq, or
// Disabled when the frequency never fires again.
func Next(freq settings.Frequency, now time.Time) time.Time {
	now = now.UTC()
	switch freq.Kind {
	case settings.FrequencyNone:
		return Disabled

	case settings.FrequencyOnce:
		if !freq.Date.Before(now) {
			return freq.Date
		}
		return Disabled

	case settings.FrequencyHourly:
		return now.Add(time.Duration(freq.Minutes) * time.Minute)

	case settings.FrequencyDaily:
		at := atTime(now, freq.TimeOfDay)
		if at.Before(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at

	case settings.FrequencyWeekly:
		at := atTime(now, freq.TimeOfDay)
		days := int(freq.Weekday - now.Weekday())
		if days < 0 {
			days += 7
		}
		at = at.AddDate(0, 0, days)
		if at.Before(now) {
			at = at.AddDate(0, 0, 7)
		}
		return at

	case settings.FrequencyMonthly:
		at := monthlyAt(now.Year(), now.Month(), freq)
		if at.Before(now) {
			at = monthlyAt(now.Year(), now.Month()+1, freq)
		}
		return at

	case settings.FrequencyMonthlyByWeekDay:
		at := nthWeekday(now.Year(), now.Month(), freq.Week, freq.Weekday).Add(freq.TimeOfDay)
		if at.Before(now) {
			at = nthWeekday(now.Year(), now.Month()+1, freq.Week, freq.Weekday).Add(freq.TimeOfDay)
		}
		return at
	}
	return Disabled
}

func atTime(day time.Time, offset time.Duration) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).Add(offset)
}

func monthlyAt(year int, month time.Month, freq settings.Frequency) time.Time {
	day := freq.DayOfMonth
	last := daysIn(year, month)
	if freq.LastDay || day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Add(freq.TimeOfDay)
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is this month's final day.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nthWeekday(year int, month time.Month, week int, weekday time.Weekday) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(weekday - first.Weekday())
	if offset < 0 {
		offset += 7
	}
	return first.AddDate(0, 0, offset+(week-1)*7)
}
