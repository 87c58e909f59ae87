// Package matcher recovers the stops a vehicle actually served from its live
// trajectory and turns them into actual-trip segments.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/live"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/trajectory"
)

const DefaultRadiusM = 10.0

// StopArrival is the estimated moment a vehicle served a stop.
type StopArrival struct {
	TripInstanceID    string
	TripID            string
	RouteID           string
	StopID            string
	ScheduledSequence int
	ActualSequence    int // 1-based, by arrival time
	ServiceDate       time.Time
	Arrival           time.Time
	DistanceM         float64
	Point             geo.Point
}

// ActualSegment joins two stops the vehicle served one after the other.
type ActualSegment struct {
	TripInstanceID    string
	TripID            string
	RouteID           string
	Stop1ID           string
	Stop2ID           string
	Stop1Sequence     int // actual order
	Stop2Sequence     int
	Stop1ScheduledSeq int
	Stop2ScheduledSeq int
	Stop1Time         time.Time
	Stop2Time         time.Time
	DurationSec       float64
}

// Result is everything matched for one trip instance.
type Result struct {
	TripInstanceID string
	Arrivals       []StopArrival
	Segments       []ActualSegment
}

// Matcher is stateless; one value can serve concurrent callers.
type Matcher struct {
	// RadiusM gates a stop: the trajectory must pass strictly closer than this.
	RadiusM float64
	// SnapToShape moves every fix onto the trip's reference polyline before
	// measuring approaches.
	SnapToShape bool
}

func New(radiusM float64, snap bool) Matcher {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	return Matcher{RadiusM: radiusM, SnapToShape: snap}
}

// Match finds the stops of visits served by lt. visits are the scheduled
// stop visits of lt's trip; line is its reference polyline and may be nil
// when snapping is off. A stop listed twice in the schedule is matched once,
// against its lowest sequence. A trajectory that never comes within the
// radius of any stop fails with quality.ErrNoNearbyStops.
func (m Matcher) Match(lt live.Trip, visits []gtfs.StopVisit, line geo.Polyline) (Result, error) {
	res := Result{TripInstanceID: lt.TripInstanceID}
	if lt.Trajectory == nil {
		return res, fmt.Errorf("trip instance %s has no trajectory: %w", lt.TripInstanceID, quality.ErrInsufficientTrajectoryPoints)
	}
	if len(visits) == 0 {
		return res, fmt.Errorf("trip instance %s: trip %q has no stop visits: %w", lt.TripInstanceID, lt.TripID, quality.ErrMissingReferenceData)
	}

	traj := lt.Trajectory
	if m.SnapToShape {
		snapped, err := Snap(traj, line)
		if err != nil {
			return res, fmt.Errorf("trip instance %s: %w", lt.TripInstanceID, err)
		}
		traj = snapped
	}
	box := boundsOf(traj.Path()).expand(m.RadiusM)

	seen := make(map[string]bool, len(visits))
	for _, v := range orderedVisits(visits) {
		if seen[v.StopID] {
			continue
		}
		seen[v.StopID] = true
		p := v.Point()
		if !box.contains(p) {
			continue
		}
		a, ok := traj.FirstPass(p, m.RadiusM)
		if !ok {
			continue
		}
		res.Arrivals = append(res.Arrivals, StopArrival{
			TripInstanceID:    lt.TripInstanceID,
			TripID:            lt.TripID,
			RouteID:           lt.RouteID,
			StopID:            v.StopID,
			ScheduledSequence: v.StopSequence,
			ServiceDate:       lt.ServiceDate,
			Arrival:           a.Time,
			DistanceM:         a.DistanceM,
			Point:             a.Point,
		})
	}
	if len(res.Arrivals) == 0 {
		return res, fmt.Errorf("trip instance %s: %w", lt.TripInstanceID, quality.ErrNoNearbyStops)
	}

	sort.SliceStable(res.Arrivals, func(i, j int) bool {
		a, b := res.Arrivals[i], res.Arrivals[j]
		if !a.Arrival.Equal(b.Arrival) {
			return a.Arrival.Before(b.Arrival)
		}
		return a.ScheduledSequence < b.ScheduledSequence
	})
	for i := range res.Arrivals {
		res.Arrivals[i].ActualSequence = i + 1
	}
	res.Segments = Segments(res.Arrivals)
	return res, nil
}

// Segments pairs consecutive arrivals, which must already be in actual order.
func Segments(arrivals []StopArrival) []ActualSegment {
	if len(arrivals) < 2 {
		return nil
	}
	out := make([]ActualSegment, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		a, b := arrivals[i-1], arrivals[i]
		out = append(out, ActualSegment{
			TripInstanceID:    a.TripInstanceID,
			TripID:            a.TripID,
			RouteID:           a.RouteID,
			Stop1ID:           a.StopID,
			Stop2ID:           b.StopID,
			Stop1Sequence:     a.ActualSequence,
			Stop2Sequence:     b.ActualSequence,
			Stop1ScheduledSeq: a.ScheduledSequence,
			Stop2ScheduledSeq: b.ScheduledSequence,
			Stop1Time:         a.Arrival,
			Stop2Time:         b.Arrival,
			DurationSec:       b.Arrival.Sub(a.Arrival).Seconds(),
		})
	}
	return out
}

// Snap moves every instant of traj to the closest point of line, keeping its
// timestamp.
func Snap(traj *trajectory.Trajectory, line geo.Polyline) (*trajectory.Trajectory, error) {
	if len(line) < 2 {
		return nil, fmt.Errorf("snap onto %d-vertex line: %w", len(line), quality.ErrMissingReferenceData)
	}
	in := traj.Instants()
	for i := range in {
		loc, err := geo.Locate(in[i].Point, line)
		if err != nil {
			return nil, err
		}
		in[i].Point = loc.Point
	}
	return trajectory.New(in)
}

func orderedVisits(visits []gtfs.StopVisit) []gtfs.StopVisit {
	out := append([]gtfs.StopVisit(nil), visits...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StopSequence < out[j].StopSequence })
	return out
}

// bounds is a lon/lat box used to skip stops that cannot be in range.
type bounds struct {
	minLon, minLat, maxLon, maxLat float64
}

func boundsOf(line geo.Polyline) bounds {
	b := bounds{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range line {
		b.minLon = math.Min(b.minLon, p.Lon)
		b.minLat = math.Min(b.minLat, p.Lat)
		b.maxLon = math.Max(b.maxLon, p.Lon)
		b.maxLat = math.Max(b.maxLat, p.Lat)
	}
	return b
}

// expand grows the box by m meters on every side, with some slack.
func (b bounds) expand(m float64) bounds {
	dLat := 2 * m / 111000
	cos := math.Cos(math.Max(math.Abs(b.minLat), math.Abs(b.maxLat)) * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := dLat / cos
	return bounds{b.minLon - dLon, b.minLat - dLat, b.maxLon + dLon, b.maxLat + dLat}
}

func (b bounds) contains(p geo.Point) bool {
	return p.Lon >= b.minLon && p.Lon <= b.maxLon && p.Lat >= b.minLat && p.Lat <= b.maxLat
}
