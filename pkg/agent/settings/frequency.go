package settings

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FrequencyKind enumerates the schedule shapes WUFrequency can express.
type FrequencyKind string

const (
	FrequencyNone             FrequencyKind = "None"
	FrequencyOnce             FrequencyKind = "Once"
	FrequencyHourly           FrequencyKind = "Hourly"
	FrequencyDaily            FrequencyKind = "Daily"
	FrequencyWeekly           FrequencyKind = "Weekly"
	FrequencyMonthly          FrequencyKind = "Monthly"
	FrequencyMonthlyByWeekDay FrequencyKind = "MonthlyByWeekAndDay"
)

// Frequency is a parsed WUFrequency value. All times are UTC.
type Frequency struct {
	Kind FrequencyKind

	// Weekday applies to Weekly and MonthlyByWeekAndDay.
	Weekday time.Weekday
	// Week is the 1..4 ordinal for MonthlyByWeekAndDay.
	Week int
	// DayOfMonth applies to Monthly; LastDay selects the month's final day.
	DayOfMonth int
	LastDay    bool
	// Date is the single occurrence for Once (date and time combined).
	Date time.Time
	// TimeOfDay is the offset into the day for the calendar kinds.
	TimeOfDay time.Duration
	// Minutes is the interval for Hourly.
	Minutes int

	// Raw is the original string, carried for status reporting.
	Raw string
}

const onceDateLayout = "01/02/2006"

// ParseFrequency parses strings like "Weekly,Wednesday,7:00:00",
// "Monthly,Last,21:30:00", "MonthlyByWeekAndDay,2,Friday,21:00:00",
// "Once,12/12/2024,12:22:32", "Hourly,10", "Daily,03:00:00" and "None".
func ParseFrequency(raw string) (Frequency, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	freq := Frequency{Kind: FrequencyKind(parts[0]), Raw: raw}

	switch freq.Kind {
	case FrequencyNone:
		if len(parts) != 1 {
			return freq, errors.Errorf("frequency %q takes no arguments", raw)
		}
		return freq, nil

	case FrequencyHourly:
		if len(parts) != 2 {
			return freq, errors.Errorf("frequency %q wants Hourly,<minutes>", raw)
		}
		minutes, err := strconv.Atoi(parts[1])
		if err != nil || minutes <= 0 {
			return freq, errors.Errorf("invalid hourly interval in %q", raw)
		}
		freq.Minutes = minutes
		return freq, nil

	case FrequencyDaily:
		if len(parts) != 2 {
			return freq, errors.Errorf("frequency %q wants Daily,<time>", raw)
		}
		return freq, freq.setTimeOfDay(parts[1])

	case FrequencyWeekly:
		if len(parts) != 3 {
			return freq, errors.Errorf("frequency %q wants Weekly,<day>,<time>", raw)
		}
		day, err := parseWeekday(parts[1])
		if err != nil {
			return freq, err
		}
		freq.Weekday = day
		return freq, freq.setTimeOfDay(parts[2])

	case FrequencyMonthly:
		if len(parts) != 3 {
			return freq, errors.Errorf("frequency %q wants Monthly,<day>,<time>", raw)
		}
		if strings.EqualFold(parts[1], "Last") {
			freq.LastDay = true
		} else {
			day, err := strconv.Atoi(parts[1])
			if err != nil || day < 1 || day > 31 {
				return freq, errors.Errorf("invalid day of month in %q", raw)
			}
			freq.DayOfMonth = day
		}
		return freq, freq.setTimeOfDay(parts[2])

	case FrequencyMonthlyByWeekDay:
		if len(parts) != 4 {
			return freq, errors.Errorf("frequency %q wants MonthlyByWeekAndDay,<week>,<day>,<time>", raw)
		}
		week, err := strconv.Atoi(parts[1])
		if err != nil || week < 1 || week > 4 {
			return freq, errors.Errorf("week ordinal must be 1..4 in %q", raw)
		}
		freq.Week = week
		day, err := parseWeekday(parts[2])
		if err != nil {
			return freq, err
		}
		freq.Weekday = day
		return freq, freq.setTimeOfDay(parts[3])

	case FrequencyOnce:
		if len(parts) != 3 {
			return freq, errors.Errorf("frequency %q wants Once,<date>,<time>", raw)
		}
		date, err := time.ParseInLocation(onceDateLayout, parts[1], time.UTC)
		if err != nil {
			return freq, errors.WithMessagef(err, "invalid date in %q", raw)
		}
		if err := freq.setTimeOfDay(parts[2]); err != nil {
			return freq, err
		}
		freq.Date = date.Add(freq.TimeOfDay)
		return freq, nil
	}
	return freq, errors.Errorf("unknown frequency kind in %q", raw)
}

func (f *Frequency) setTimeOfDay(s string) error {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return errors.Errorf("invalid time of day %q", s)
	}
	var hms [3]int
	for i, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 {
			return errors.Errorf("invalid time of day %q", s)
		}
		hms[i] = v
	}
	if hms[0] > 23 || hms[1] > 59 || hms[2] > 59 {
		return errors.Errorf("time of day %q out of range", s)
	}
	f.TimeOfDay = time.Duration(hms[0])*time.Hour + time.Duration(hms[1])*time.Minute + time.Duration(hms[2])*time.Second
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return time.Sunday, errors.Errorf("unknown weekday %q", s)
}
