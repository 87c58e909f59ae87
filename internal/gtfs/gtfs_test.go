package gtfs

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func weekdayCalendar() *ServiceCalendar {
	c := NewServiceCalendar("WK")
	for d := time.Monday; d <= time.Friday; d++ {
		c.Weekdays[d] = true
	}
	c.Start = day("2025-03-03") // Monday
	c.End = day("2025-03-16")
	c.Removed["20250305"] = true
	c.Added["20250308"] = true // a Saturday
	return c
}

func TestServiceCalendarActiveOn(t *testing.T) {
	c := weekdayCalendar()
	tests := []struct {
		date string
		want bool
	}{
		{"2025-03-03", true},
		{"2025-03-04", true},
		{"2025-03-05", false}, // removed
		{"2025-03-08", true},  // added Saturday
		{"2025-03-09", false}, // Sunday
		{"2025-03-14", true},
		{"2025-03-17", false}, // after end
		{"2025-03-02", false}, // before start
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.ActiveOn(day(tt.date)), tt.date)
	}
}

func TestServiceCalendarFirstActiveDate(t *testing.T) {
	c := weekdayCalendar()

	d, ok := c.FirstActiveDate(time.Time{}, time.Time{}, time.UTC)
	require.True(t, ok)
	assert.Equal(t, day("2025-03-03"), d)

	d, ok = c.FirstActiveDate(day("2025-03-05"), time.Time{}, time.UTC)
	require.True(t, ok)
	assert.Equal(t, day("2025-03-06"), d)

	_, ok = c.FirstActiveDate(day("2025-03-09"), day("2025-03-09"), time.UTC)
	assert.False(t, ok)
}

func TestServiceCalendarOnlyExceptions(t *testing.T) {
	c := NewServiceCalendar("X")
	c.Added["20250410"] = true
	c.Added["20250402"] = true

	dates := c.ActiveDates(time.Time{}, time.Time{}, time.UTC)
	require.Len(t, dates, 2)
	assert.Equal(t, day("2025-04-02"), dates[0])
	assert.Equal(t, day("2025-04-10"), dates[1])

	_, ok := NewServiceCalendar("empty").FirstActiveDate(time.Time{}, time.Time{}, time.UTC)
	assert.False(t, ok)
}

func TestAtUsesServiceDayStart(t *testing.T) {
	brussels, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)

	d := time.Date(2025, 3, 4, 0, 0, 0, 0, brussels)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 5, 0, 0, brussels), At(d, 8*3600+5*60))
	assert.Equal(t, time.Date(2025, 3, 5, 1, 0, 0, 0, brussels), At(d, 25*3600))

	// DST starts 2025-03-30 at 02:00; offsets are measured from noon minus 12h.
	dst := time.Date(2025, 3, 30, 0, 0, 0, 0, brussels)
	assert.Equal(t, time.Date(2025, 3, 30, 12, 0, 0, 0, brussels), At(dst, 12*3600))
}

func TestOccupancyBucket(t *testing.T) {
	tests := map[string]string{
		"EMPTY":                      OccupancyPlenty,
		"MANY_SEATS_AVAILABLE":       OccupancyPlenty,
		"few_seats_available":        OccupancyFew,
		"STANDING_ROOM_ONLY":         OccupancyStanding,
		"CRUSHED_STANDING_ROOM_ONLY": OccupancyCrowded,
		"FULL":                       OccupancyCrowded,
		"NOT_ACCEPTING_PASSENGERS":   OccupancyUnknown,
		"":                           OccupancyUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, OccupancyBucket(in), in)
	}
}

func TestTripInstanceID(t *testing.T) {
	ts := time.Date(2025, 3, 4, 7, 58, 12, 0, time.UTC)
	assert.Equal(t, "T1_20250304_080000", TripInstanceID("T1", "20250304", "08:00:00", "V9", ts))
	assert.Equal(t, "T1_20250304", TripInstanceID("T1", "2025-03-04", "", "", ts))
	assert.Equal(t, "T1", TripInstanceID(" T1 ", "", "", "", ts))
	assert.Equal(t, "V9_20250304T075812", TripInstanceID("", "", "", "V9", ts))
	assert.Equal(t, "trip_20250304T075812", TripInstanceID("", "", "", "", ts))
}

func TestScheduleSortVisits(t *testing.T) {
	s := NewSchedule()
	s.Trips["b"] = Trip{TripID: "b"}
	s.Trips["a"] = Trip{TripID: "a"}
	s.Visits["a"] = []StopVisit{{StopSequence: 3}, {StopSequence: 1}, {StopSequence: 2}}
	s.SortVisits()

	assert.Equal(t, []string{"a", "b"}, s.TripIDs())
	assert.Equal(t, 1, s.Visits["a"][0].StopSequence)
	assert.Equal(t, 3, s.Visits["a"][2].StopSequence)
}
