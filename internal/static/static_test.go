package static

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFeed(t *testing.T) {
	loc := time.UTC
	s, err := Load("testdata/feed", nil, loc)
	require.NoError(t, err)

	assert.Len(t, s.Trips, 3)
	assert.Equal(t, []string{"R1", "R2"}, RouteIDs(s))

	t1 := s.Trips["T1"]
	assert.Equal(t, "R1", t1.RouteID)
	assert.Equal(t, "SH1", t1.ShapeID)
	assert.Equal(t, "WK", t1.ServiceID)
	assert.Equal(t, 0, t1.DirectionID)
	assert.Equal(t, 1, s.Trips["T2"].DirectionID)
	assert.Empty(t, s.Trips["T3"].ShapeID)

	visits := s.Visits["T1"]
	require.Len(t, visits, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{visits[0].StopID, visits[1].StopID, visits[2].StopID})
	assert.Equal(t, 8*3600+300, visits[1].ArrivalSec)
	assert.Equal(t, 8*3600+330, visits[1].DepartureSec)
	assert.InDelta(t, 4.36, visits[1].StopLon, 1e-5)
	assert.Equal(t, 25*3600, s.Visits["T2"][0].ArrivalSec)

	require.Len(t, s.Shapes["SH1"], 4)
	assert.InDelta(t, 4.37, s.Shapes["SH1"][3].Lon, 1e-5)
	assert.Equal(t, "Bravo", s.Stops["B"].Name)
}

func TestLoadCalendarExceptions(t *testing.T) {
	loc := time.UTC
	s, err := Load("testdata/feed", nil, loc)
	require.NoError(t, err)

	wk := s.Calendars["WK"]
	require.NotNil(t, wk)
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, loc) }
	assert.True(t, wk.ActiveOn(day(3)))
	assert.False(t, wk.ActiveOn(day(4)), "removed by calendar_dates")
	assert.True(t, wk.ActiveOn(day(5)))
	assert.True(t, wk.ActiveOn(day(8)), "added by calendar_dates")
	assert.False(t, wk.ActiveOn(day(9)))

	we := s.Calendars["WE"]
	require.NotNil(t, we)
	assert.True(t, we.ActiveOn(day(1)))
	assert.False(t, we.ActiveOn(day(3)))
}

func TestLoadRouteFilter(t *testing.T) {
	s, err := Load("testdata/feed", map[string]bool{"R1": true}, time.UTC)
	require.NoError(t, err)

	assert.Len(t, s.Trips, 2)
	assert.NotContains(t, s.Trips, "T3")
	assert.NotContains(t, s.Stops, "Z")
	assert.Contains(t, s.Shapes, "SH1")
	assert.NotContains(t, s.Calendars, "WE")
}

func TestLoadMissingFeed(t *testing.T) {
	_, err := Load("testdata/nope", nil, time.UTC)
	assert.Error(t, err)
}
