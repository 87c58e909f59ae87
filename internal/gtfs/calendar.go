package gtfs

import (
	"sort"
	"time"
)

const dateKey = "20060102"

// ServiceCalendar is a service pattern: weekly days over a date range plus
// calendar_dates exceptions.
type ServiceCalendar struct {
	ServiceID string
	Weekdays  [7]bool // indexed by time.Weekday
	Start     time.Time
	End       time.Time
	Added     map[string]bool // YYYYMMDD
	Removed   map[string]bool
}

func NewServiceCalendar(serviceID string) *ServiceCalendar {
	return &ServiceCalendar{ServiceID: serviceID, Added: map[string]bool{}, Removed: map[string]bool{}}
}

// ActiveOn reports whether the service runs on the calendar day of d.
func (c *ServiceCalendar) ActiveOn(d time.Time) bool {
	key := d.Format(dateKey)
	if c.Removed[key] {
		return false
	}
	if c.Added[key] {
		return true
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return false
	}
	if key < c.Start.Format(dateKey) || key > c.End.Format(dateKey) {
		return false
	}
	return c.Weekdays[d.Weekday()]
}

// ActiveDates lists the active days within [from, to], both inclusive, in
// loc. Zero bounds fall back to the calendar's own defined range.
func (c *ServiceCalendar) ActiveDates(from, to time.Time, loc *time.Location) []time.Time {
	first, last := c.definedRange(loc)
	if first.IsZero() {
		return nil
	}
	if !from.IsZero() {
		from = dateIn(from, loc)
		if from.After(first) {
			first = from
		}
	}
	if !to.IsZero() {
		to = dateIn(to, loc)
		if to.Before(last) {
			last = to
		}
	}
	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if c.ActiveOn(d) {
			out = append(out, d)
		}
	}
	return out
}

// FirstActiveDate returns the earliest active day within [from, to].
func (c *ServiceCalendar) FirstActiveDate(from, to time.Time, loc *time.Location) (time.Time, bool) {
	dates := c.ActiveDates(from, to, loc)
	if len(dates) == 0 {
		return time.Time{}, false
	}
	return dates[0], true
}

func (c *ServiceCalendar) definedRange(loc *time.Location) (time.Time, time.Time) {
	var first, last time.Time
	if !c.Start.IsZero() && !c.End.IsZero() {
		first, last = calendarDay(c.Start, loc), calendarDay(c.End, loc)
	}
	keys := make([]string, 0, len(c.Added))
	for k, on := range c.Added {
		if on {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		lo, errLo := time.ParseInLocation(dateKey, keys[0], loc)
		hi, errHi := time.ParseInLocation(dateKey, keys[len(keys)-1], loc)
		if errLo == nil && (first.IsZero() || lo.Before(first)) {
			first = lo
		}
		if errHi == nil && (last.IsZero() || hi.After(last)) {
			last = hi
		}
	}
	return first, last
}

// Midnight truncates t to the start of its calendar day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ServiceDayStart is the reference instant GTFS offsets are measured from:
// noon minus twelve hours, which equals midnight except on DST change days.
func ServiceDayStart(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, day.Location()).Add(-12 * time.Hour)
}

// At returns the absolute time of an offset on a service day.
func At(day time.Time, offsetSec int) time.Time {
	return ServiceDayStart(day).Add(time.Duration(offsetSec) * time.Second)
}

// calendarDay keeps the y/m/d of a date value and places it in loc.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// dateIn is the local calendar day of the instant t.
func dateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
