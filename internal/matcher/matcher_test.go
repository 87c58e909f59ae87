package matcher

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/live"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/trajectory"
)

const metersPerDegree = 6371000.0 * math.Pi / 180

var base = time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

// at places a point n meters north and e meters east of a fixed origin.
func at(n, e float64) geo.Point {
	return geo.Point{
		Lon: 4.35 + e/(metersPerDegree*math.Cos(50.85*math.Pi/180)),
		Lat: 50.85 + n/metersPerDegree,
	}
}

func hms(h, m, s int) time.Time {
	return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

func visit(seq int, stopID string, p geo.Point, arrival int) gtfs.StopVisit {
	return gtfs.StopVisit{TripID: "T", StopSequence: seq, StopID: stopID, ArrivalSec: arrival, StopLat: p.Lat, StopLon: p.Lon}
}

func liveTrip(t *testing.T, in ...trajectory.Instant) live.Trip {
	t.Helper()
	traj, err := trajectory.New(in)
	require.NoError(t, err)
	return live.Trip{TripInstanceID: "T_20250304", TripID: "T", RouteID: "R", ServiceDate: base, Trajectory: traj}
}

func TestMatchEstimatesArrival(t *testing.T) {
	visits := []gtfs.StopVisit{
		visit(1, "A", at(0, 0), 8*3600),
		visit(2, "S", at(1000, 4), 8*3600+300),
		visit(3, "C", at(2000, 25), 8*3600+720),
	}
	lt := liveTrip(t,
		trajectory.Instant{Point: at(0, 0), Time: hms(8, 0, 0)},
		trajectory.Instant{Point: at(1000, 0), Time: hms(8, 6, 30)},
		trajectory.Instant{Point: at(2000, 0), Time: hms(8, 14, 0)},
	)

	res, err := New(10, false).Match(lt, visits, nil)
	require.NoError(t, err)
	require.Len(t, res.Arrivals, 2)

	s := res.Arrivals[1]
	assert.Equal(t, "S", s.StopID)
	assert.Equal(t, 2, s.ActualSequence)
	assert.Equal(t, 2, s.ScheduledSequence)
	assert.WithinDuration(t, hms(8, 6, 30), s.Arrival, 100*time.Millisecond)
	assert.InDelta(t, 4, s.DistanceM, 0.05)

	require.Len(t, res.Segments, 1)
	seg := res.Segments[0]
	assert.Equal(t, "A", seg.Stop1ID)
	assert.Equal(t, "S", seg.Stop2ID)
	assert.InDelta(t, 390, seg.DurationSec, 0.1)
}

func TestMatchGate(t *testing.T) {
	path := []trajectory.Instant{
		{Point: at(0, 0), Time: hms(8, 0, 0)},
		{Point: at(1000, 0), Time: hms(8, 5, 0)},
	}
	tests := []struct {
		name    string
		offsetM float64
		matched bool
	}{
		{"5m", 5, true},
		{"9.9m", 9.9, true},
		{"15m", 15, false},
		{"40m", 40, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visits := []gtfs.StopVisit{visit(1, "X", at(500, tt.offsetM), 8*3600)}
			res, err := New(DefaultRadiusM, false).Match(liveTrip(t, path...), visits, nil)
			if tt.matched {
				require.NoError(t, err)
				require.Len(t, res.Arrivals, 1)
				assert.Empty(t, res.Segments)
				return
			}
			assert.ErrorIs(t, err, quality.ErrNoNearbyStops)
			assert.Empty(t, res.Arrivals)
		})
	}
}

func TestMatchOrdersByTimeNotSchedule(t *testing.T) {
	// The vehicle runs the route backwards.
	visits := []gtfs.StopVisit{
		visit(1, "A", at(0, 0), 8*3600),
		visit(2, "B", at(500, 0), 8*3600+120),
		visit(3, "C", at(1000, 0), 8*3600+240),
	}
	lt := liveTrip(t,
		trajectory.Instant{Point: at(1000, 0), Time: hms(9, 0, 0)},
		trajectory.Instant{Point: at(0, 0), Time: hms(9, 4, 0)},
	)

	res, err := New(10, false).Match(lt, visits, nil)
	require.NoError(t, err)
	require.Len(t, res.Arrivals, 3)
	assert.Equal(t, []string{"C", "B", "A"}, []string{res.Arrivals[0].StopID, res.Arrivals[1].StopID, res.Arrivals[2].StopID})
	assert.Equal(t, 3, res.Arrivals[0].ScheduledSequence)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 1, res.Segments[0].Stop1Sequence)
	assert.Equal(t, 3, res.Segments[0].Stop1ScheduledSeq)
}

func TestMatchLoopKeepsFirstPass(t *testing.T) {
	visits := []gtfs.StopVisit{
		visit(1, "A", at(0, 0), 8*3600),
		visit(2, "M", at(500, 0), 8*3600+120),
		visit(3, "A", at(0, 0), 8*3600+240),
	}
	lt := liveTrip(t,
		trajectory.Instant{Point: at(0, 0), Time: hms(8, 0, 0)},
		trajectory.Instant{Point: at(1000, 0), Time: hms(8, 4, 0)},
		trajectory.Instant{Point: at(0, 0), Time: hms(8, 8, 0)},
	)

	res, err := New(10, false).Match(lt, visits, nil)
	require.NoError(t, err)
	require.Len(t, res.Arrivals, 2)
	assert.Equal(t, "A", res.Arrivals[0].StopID)
	assert.Equal(t, 1, res.Arrivals[0].ScheduledSequence)
	assert.WithinDuration(t, hms(8, 0, 0), res.Arrivals[0].Arrival, time.Millisecond)
	assert.WithinDuration(t, hms(8, 2, 0), res.Arrivals[1].Arrival, 100*time.Millisecond)
}

func TestMatchTiesBreakOnScheduledSequence(t *testing.T) {
	// Two distinct stops at the same place are reached at the same instant.
	visits := []gtfs.StopVisit{
		visit(2, "Y", at(500, 1), 8*3600+60),
		visit(1, "X", at(500, -1), 8*3600),
	}
	lt := liveTrip(t,
		trajectory.Instant{Point: at(0, 0), Time: hms(8, 0, 0)},
		trajectory.Instant{Point: at(1000, 0), Time: hms(8, 2, 0)},
	)

	res, err := New(10, false).Match(lt, visits, nil)
	require.NoError(t, err)
	require.Len(t, res.Arrivals, 2)
	assert.Equal(t, "X", res.Arrivals[0].StopID)
	assert.Equal(t, "Y", res.Arrivals[1].StopID)
}

func TestMatchSnapsToShape(t *testing.T) {
	line := geo.Polyline{at(0, 0), at(1000, 0)}
	visits := []gtfs.StopVisit{visit(1, "A", at(500, 2), 8*3600)}
	// GPS runs 20 m east of the road.
	lt := liveTrip(t,
		trajectory.Instant{Point: at(0, 20), Time: hms(8, 0, 0)},
		trajectory.Instant{Point: at(1000, 20), Time: hms(8, 5, 0)},
	)

	_, err := New(10, false).Match(lt, visits, line)
	assert.ErrorIs(t, err, quality.ErrNoNearbyStops)

	res, err := New(10, true).Match(lt, visits, line)
	require.NoError(t, err)
	require.Len(t, res.Arrivals, 1)
	assert.InDelta(t, 2, res.Arrivals[0].DistanceM, 0.05)

	_, err = New(10, true).Match(lt, visits, nil)
	assert.ErrorIs(t, err, quality.ErrMissingReferenceData)
}

func TestMatchWithoutVisits(t *testing.T) {
	lt := liveTrip(t,
		trajectory.Instant{Point: at(0, 0), Time: hms(8, 0, 0)},
		trajectory.Instant{Point: at(10, 0), Time: hms(8, 0, 10)},
	)
	_, err := New(10, false).Match(lt, nil, nil)
	assert.ErrorIs(t, err, quality.ErrMissingReferenceData)
}
