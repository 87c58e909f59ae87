package trajectory

import (
	"fmt"
	"sort"
	"time"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/segment"
)

// Scheduled is a trip's timetable laid out in space and time on one date.
type Scheduled struct {
	TripID      string
	RouteID     string
	ServiceDate time.Time
	Trajectory  *Trajectory
	Path        geo.Polyline
	StartTime   time.Time
}

// DatePolicy picks the service date a trip's scheduled trajectory is built on.
type DatePolicy interface {
	RepresentativeDate(trip gtfs.Trip) (time.Time, bool)
}

// EarliestActive picks the first date within [From, To] on which the trip's
// service pattern runs. Zero bounds are open.
type EarliestActive struct {
	Calendars map[string]*gtfs.ServiceCalendar
	From      time.Time
	To        time.Time
	Location  *time.Location
}

func (p EarliestActive) RepresentativeDate(trip gtfs.Trip) (time.Time, bool) {
	cal, ok := p.Calendars[trip.ServiceID]
	if !ok {
		return time.Time{}, false
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	return cal.FirstActiveDate(p.From, p.To, loc)
}

// FixedDate uses the same date for every trip.
type FixedDate struct {
	Date time.Time
}

func (p FixedDate) RepresentativeDate(gtfs.Trip) (time.Time, bool) { return p.Date, !p.Date.IsZero() }

// AssembleScheduled walks every vertex of the trip's segments in stop order
// and stamps it with a time interpolated by distance between the segment's
// scheduled endpoint times on serviceDate.
func AssembleScheduled(trip gtfs.Trip, segs []segment.Segment, serviceDate time.Time) (*Scheduled, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("trip %s has no segments: %w", trip.TripID, quality.ErrInsufficientTrajectoryPoints)
	}
	ordered := append([]segment.Segment(nil), segs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Stop1Sequence < ordered[j].Stop1Sequence })

	var instants []Instant
	for _, s := range ordered {
		instants = append(instants, segmentInstants(s, serviceDate)...)
	}
	traj, err := New(instants)
	if err != nil {
		return nil, fmt.Errorf("trip %s: %w", trip.TripID, err)
	}
	return &Scheduled{
		TripID:      trip.TripID,
		RouteID:     trip.RouteID,
		ServiceDate: serviceDate,
		Trajectory:  traj,
		Path:        traj.Path(),
		StartTime:   traj.Start(),
	}, nil
}

func segmentInstants(s segment.Segment, serviceDate time.Time) []Instant {
	n := len(s.Geometry)
	if n == 0 {
		return nil
	}
	start := gtfs.At(serviceDate, s.Stop1ArrivalSec)
	end := gtfs.At(serviceDate, s.Stop2ArrivalSec)
	cum := geo.CumDistances(s.Geometry)
	total := cum[n-1]
	span := end.Sub(start)

	out := make([]Instant, n)
	for i, p := range s.Geometry {
		var ts time.Time
		switch {
		case i == 0:
			ts = start
		case i == n-1:
			ts = end
		case total > 0:
			ts = start.Add(time.Duration(float64(span) * cum[i] / total))
		default:
			ts = start
		}
		out[i] = Instant{Point: p, Time: ts}
	}
	return out
}
