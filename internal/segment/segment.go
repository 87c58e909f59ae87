// Package segment cuts a trip's reference polyline into one piece per pair of
// consecutive stops.
package segment

import (
	"fmt"
	"sort"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
)

// Segment is the scheduled path between two consecutive stops of a trip.
type Segment struct {
	TripID          string
	RouteID         string
	Stop1Sequence   int
	Stop2Sequence   int
	Stop1ID         string
	Stop2ID         string
	Stop1ArrivalSec int
	Stop2ArrivalSec int
	DurationSec     int
	StartPerc       float64
	EndPerc         float64
	Geometry        geo.Polyline
	LengthM         float64
	PointCount      int
}

// Percs returns the normalized position of every visit on line. The first
// visit is pinned to 0 and the last to 1; interior visits are projected.
func Percs(visits []gtfs.StopVisit, line geo.Polyline) ([]float64, error) {
	if len(line) < 2 || geo.LengthM(line) == 0 {
		return nil, fmt.Errorf("reference polyline: %w", quality.ErrDegenerateGeometry)
	}
	percs := make([]float64, len(visits))
	for i := 1; i < len(visits)-1; i++ {
		p, err := geo.Project(visits[i].Point(), line)
		if err != nil {
			return nil, err
		}
		percs[i] = p
	}
	if len(visits) > 0 {
		percs[len(visits)-1] = 1
	}
	return percs, nil
}

// Build produces the segments of one trip. A visit whose position does not
// advance past its predecessor drops the segment ending at it; those drops
// are counted in tally, which may be nil. The returned error means the whole
// trip yields nothing.
func Build(trip gtfs.Trip, visits []gtfs.StopVisit, line geo.Polyline, tally *quality.Tally) ([]Segment, error) {
	if len(visits) < 2 {
		return nil, fmt.Errorf("trip %s has %d stop visits: %w", trip.TripID, len(visits), quality.ErrMissingReferenceData)
	}
	ordered := append([]gtfs.StopVisit(nil), visits...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StopSequence < ordered[j].StopSequence })

	percs, err := Percs(ordered, line)
	if err != nil {
		return nil, fmt.Errorf("trip %s: %w", trip.TripID, err)
	}

	segs := make([]Segment, 0, len(ordered)-1)
	for i := 0; i+1 < len(ordered); i++ {
		a, b := ordered[i], ordered[i+1]
		if percs[i+1] <= percs[i] {
			if tally != nil {
				tally.Inc(quality.ReasonNonMonotonic)
			}
			continue
		}
		sub, ok := geo.Extract(line, percs[i], percs[i+1])
		if !ok || len(sub) < 2 {
			if tally != nil {
				tally.Inc(quality.ReasonDegenerateGeometry)
			}
			continue
		}
		segs = append(segs, Segment{
			TripID:          trip.TripID,
			RouteID:         trip.RouteID,
			Stop1Sequence:   a.StopSequence,
			Stop2Sequence:   b.StopSequence,
			Stop1ID:         a.StopID,
			Stop2ID:         b.StopID,
			Stop1ArrivalSec: a.ArrivalSec,
			Stop2ArrivalSec: b.ArrivalSec,
			DurationSec:     b.ArrivalSec - a.ArrivalSec,
			StartPerc:       percs[i],
			EndPerc:         percs[i+1],
			Geometry:        sub,
			LengthM:         geo.LengthM(sub),
			PointCount:      len(sub),
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("trip %s: %w", trip.TripID, quality.ErrEmptyTripGeometry)
	}
	return segs, nil
}

// ScheduledSpeedKmh is the speed implied by the timetable, 0 when the
// duration is not positive.
func (s Segment) ScheduledSpeedKmh() float64 {
	if s.DurationSec <= 0 {
		return 0
	}
	return s.LengthM / float64(s.DurationSec) * 3.6
}
