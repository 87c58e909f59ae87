// Package aggregate compares scheduled segments with matched actual transits
// and rolls the results up into speed, delay, headway and occupancy
// statistics.
package aggregate

import (
	"sort"
	"time"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/quality"
	"gtfs-segmetrics/internal/segment"
)

// Limits are the plausibility bounds and group minimums. Bounds are
// exclusive: a duration must lie in (0, MaxDurationSec).
type Limits struct {
	MaxDurationSec     float64
	MinSegmentLengthM  float64
	MaxSpeedKmh        float64
	MaxHeadwaySec      float64
	MaxAbsDelaySec     float64
	MinGroupCount      int
	MinBunchingCount   int
	BunchingHeadwaySec float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxDurationSec:     3600,
		MinSegmentLengthM:  10,
		MaxSpeedKmh:        150,
		MaxHeadwaySec:      7200,
		MaxAbsDelaySec:     3600,
		MinGroupCount:      3,
		MinBunchingCount:   5,
		BunchingHeadwaySec: 180,
	}
}

// Aggregator holds no per-run state; Location is used for time buckets and
// service-day arithmetic.
type Aggregator struct {
	Limits   Limits
	Location *time.Location
}

func New(limits Limits, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{Limits: limits, Location: loc}
}

// SegmentObservation is one actual transit of a scheduled segment.
type SegmentObservation struct {
	TripInstanceID       string
	TripID               string
	RouteID              string
	Stop1ID              string
	Stop2ID              string
	Stop1Sequence        int
	Stop2Sequence        int
	LengthM              float64
	ScheduledDurationSec float64
	ActualDurationSec    float64
	ScheduledSpeedKmh    float64
	ActualSpeedKmh       float64
	DelayMinutes         float64
	Departure            time.Time
	Arrival              time.Time
	Period               string
	DayType              string
	Occupancy            string // empty until AttachOccupancy finds a report
	Geometry             geo.Polyline
}

type pairKey struct {
	trip, stop1, stop2 string
}

// SegmentObservations joins actual segments to the scheduled segment of the
// same trip and stop pair and keeps the observations that pass every
// plausibility bound. scheduled is keyed by trip id.
func (a *Aggregator) SegmentObservations(scheduled map[string][]segment.Segment, actual []matcher.ActualSegment, tally *quality.Tally) []SegmentObservation {
	index := make(map[pairKey]segment.Segment)
	for _, segs := range scheduled {
		for _, s := range segs {
			k := pairKey{s.TripID, s.Stop1ID, s.Stop2ID}
			if prev, ok := index[k]; ok && prev.Stop1Sequence < s.Stop1Sequence {
				continue
			}
			index[k] = s
		}
	}

	out := make([]SegmentObservation, 0, len(actual))
	for _, as := range actual {
		s, ok := index[pairKey{as.TripID, as.Stop1ID, as.Stop2ID}]
		if !ok {
			tally.Inc(quality.ReasonUnmatchedStopPair)
			continue
		}
		obs := SegmentObservation{
			TripInstanceID:       as.TripInstanceID,
			TripID:               as.TripID,
			RouteID:              firstNonEmpty(as.RouteID, s.RouteID),
			Stop1ID:              s.Stop1ID,
			Stop2ID:              s.Stop2ID,
			Stop1Sequence:        s.Stop1Sequence,
			Stop2Sequence:        s.Stop2Sequence,
			LengthM:              s.LengthM,
			ScheduledDurationSec: float64(s.DurationSec),
			ActualDurationSec:    as.DurationSec,
			Departure:            as.Stop1Time,
			Arrival:              as.Stop2Time,
			Period:               TimePeriod(as.Stop1Time, a.Location),
			DayType:              DayType(as.Stop1Time, a.Location),
			Geometry:             s.Geometry,
		}
		if r, ok := a.checkSegment(&obs); !ok {
			tally.Inc(r)
			continue
		}
		out = append(out, obs)
	}
	sortObservations(out)
	return out
}

// checkSegment fills the derived speeds and delay, then applies the bounds.
func (a *Aggregator) checkSegment(o *SegmentObservation) (quality.Reason, bool) {
	l := a.Limits
	if !inOpen(o.ScheduledDurationSec, l.MaxDurationSec) || !inOpen(o.ActualDurationSec, l.MaxDurationSec) {
		return quality.ReasonBadDuration, false
	}
	if o.LengthM <= l.MinSegmentLengthM {
		return quality.ReasonShortSegment, false
	}
	o.ScheduledSpeedKmh = o.LengthM / o.ScheduledDurationSec * 3.6
	o.ActualSpeedKmh = o.LengthM / o.ActualDurationSec * 3.6
	if !inOpen(o.ScheduledSpeedKmh, l.MaxSpeedKmh) || !inOpen(o.ActualSpeedKmh, l.MaxSpeedKmh) {
		return quality.ReasonBadSpeed, false
	}
	o.DelayMinutes = (o.ActualDurationSec - o.ScheduledDurationSec) / 60
	return "", true
}

// StopDelay is the difference between when a vehicle reached a stop and
// when the timetable said it would.
type StopDelay struct {
	TripInstanceID string
	TripID         string
	RouteID        string
	StopID         string
	StopSequence   int
	Scheduled      time.Time
	Actual         time.Time
	DelaySec       float64
	Period         string
	DayType        string
}

// StopDelays compares matched arrivals with the scheduled arrival of the
// same stop visit on the instance's service day. visits is keyed by trip id.
func (a *Aggregator) StopDelays(arrivals []matcher.StopArrival, visits map[string][]gtfs.StopVisit, tally *quality.Tally) []StopDelay {
	out := make([]StopDelay, 0, len(arrivals))
	for _, arr := range arrivals {
		v, ok := findVisit(visits[arr.TripID], arr.StopID, arr.ScheduledSequence)
		if !ok || arr.ServiceDate.IsZero() {
			tally.Inc(quality.ReasonMissingReference)
			continue
		}
		sched := gtfs.At(serviceDay(arr.ServiceDate, a.Location), v.ArrivalSec)
		delay := arr.Arrival.Sub(sched).Seconds()
		if delay <= -a.Limits.MaxAbsDelaySec || delay >= a.Limits.MaxAbsDelaySec {
			tally.Inc(quality.ReasonBadDelay)
			continue
		}
		out = append(out, StopDelay{
			TripInstanceID: arr.TripInstanceID,
			TripID:         arr.TripID,
			RouteID:        arr.RouteID,
			StopID:         arr.StopID,
			StopSequence:   v.StopSequence,
			Scheduled:      sched,
			Actual:         arr.Arrival,
			DelaySec:       delay,
			Period:         TimePeriod(arr.Arrival, a.Location),
			DayType:        DayType(arr.Arrival, a.Location),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TripInstanceID != out[j].TripInstanceID {
			return out[i].TripInstanceID < out[j].TripInstanceID
		}
		return out[i].Actual.Before(out[j].Actual)
	})
	return out
}

// AttachOccupancy sets each observation's occupancy to the bucket of the
// latest report of the same trip instance at or before its departure.
// Reports without an occupancy status are ignored.
func (a *Aggregator) AttachOccupancy(obs []SegmentObservation, reports []gtfs.LivePositionReport) {
	byInstance := make(map[string][]gtfs.LivePositionReport)
	for _, r := range reports {
		if r.OccupancyStatus == "" || r.TripInstanceID == "" {
			continue
		}
		byInstance[r.TripInstanceID] = append(byInstance[r.TripInstanceID], r)
	}
	for _, rs := range byInstance {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp.Before(rs[j].Timestamp) })
	}
	for i := range obs {
		rs := byInstance[obs[i].TripInstanceID]
		// first report strictly after departure
		n := sort.Search(len(rs), func(k int) bool { return rs[k].Timestamp.After(obs[i].Departure) })
		if n == 0 {
			continue
		}
		obs[i].Occupancy = gtfs.OccupancyBucket(rs[n-1].OccupancyStatus)
	}
}

func findVisit(visits []gtfs.StopVisit, stopID string, seq int) (gtfs.StopVisit, bool) {
	var found gtfs.StopVisit
	ok := false
	for _, v := range visits {
		if v.StopID != stopID {
			continue
		}
		if v.StopSequence == seq {
			return v, true
		}
		if !ok || v.StopSequence < found.StopSequence {
			found, ok = v, true
		}
	}
	return found, ok
}

func sortObservations(obs []SegmentObservation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].TripInstanceID != obs[j].TripInstanceID {
			return obs[i].TripInstanceID < obs[j].TripInstanceID
		}
		return obs[i].Departure.Before(obs[j].Departure)
	})
}

func inOpen(v, upper float64) bool { return v > 0 && v < upper }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
