package aggregate

import "time"

const (
	PeriodMorningRush = "Morning Rush"
	PeriodEveningRush = "Evening Rush"
	PeriodMidday      = "Midday"
	PeriodEvening     = "Evening"
	PeriodNight       = "Night"

	Weekday = "Weekday"
	Weekend = "Weekend"
)

// TimePeriod buckets the local hour of t.
func TimePeriod(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	switch h := t.Hour(); {
	case h >= 7 && h <= 9:
		return PeriodMorningRush
	case h >= 16 && h <= 18:
		return PeriodEveningRush
	case h >= 10 && h <= 15:
		return PeriodMidday
	case h >= 19 && h <= 22:
		return PeriodEvening
	default:
		return PeriodNight
	}
}

func DayType(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return Weekend
	default:
		return Weekday
	}
}

// serviceDay places the calendar date of d at midnight in loc.
func serviceDay(d time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = d.Location()
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}
