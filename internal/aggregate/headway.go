package aggregate

import (
	"sort"
	"time"

	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/quality"
)

const (
	HeadwayBunched    = "bunched"
	HeadwayGood       = "good"
	HeadwayAcceptable = "acceptable"
	HeadwayGap        = "gap"
)

// ArrivalEvent is one vehicle reaching one stop.
type ArrivalEvent struct {
	TripInstanceID string
	RouteID        string
	StopID         string
	Time           time.Time
}

// Headway is the gap between an arrival and the one before it at the same
// route and stop.
type Headway struct {
	RouteID            string
	StopID             string
	TripInstanceID     string
	PrevTripInstanceID string
	Time               time.Time
	PrevTime           time.Time
	HeadwaySec         float64
	Period             string
	DayType            string
}

func (h Headway) Minutes() float64 { return h.HeadwaySec / 60 }

// EventsFromArrivals converts matched arrivals into headway events.
func EventsFromArrivals(arrivals []matcher.StopArrival) []ArrivalEvent {
	out := make([]ArrivalEvent, 0, len(arrivals))
	for _, a := range arrivals {
		out = append(out, ArrivalEvent{TripInstanceID: a.TripInstanceID, RouteID: a.RouteID, StopID: a.StopID, Time: a.Arrival})
	}
	return out
}

// EventsFromTripUpdates keeps the most recently fetched prediction per trip
// instance and stop. Rows without an arrival fall back to the departure;
// rows with neither are skipped.
func EventsFromTripUpdates(reports []gtfs.TripUpdateReport) []ArrivalEvent {
	type key struct{ instance, stop string }
	latest := make(map[key]gtfs.TripUpdateReport)
	for _, r := range reports {
		if r.TripInstanceID == "" || r.StopID == "" {
			continue
		}
		if r.Arrival.IsZero() && r.Departure.IsZero() {
			continue
		}
		k := key{r.TripInstanceID, r.StopID}
		if prev, ok := latest[k]; ok && !r.FetchedAt.After(prev.FetchedAt) {
			continue
		}
		latest[k] = r
	}
	out := make([]ArrivalEvent, 0, len(latest))
	for _, r := range latest {
		at := r.Arrival
		if at.IsZero() {
			at = r.Departure
		}
		out = append(out, ArrivalEvent{TripInstanceID: r.TripInstanceID, RouteID: r.RouteID, StopID: r.StopID, Time: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TripInstanceID != out[j].TripInstanceID {
			return out[i].TripInstanceID < out[j].TripInstanceID
		}
		return out[i].StopID < out[j].StopID
	})
	return out
}

// ScheduledEvents lays out the timetable of every trip running on date.
// routes, when non-empty, restricts the trips considered.
func (a *Aggregator) ScheduledEvents(s *gtfs.Schedule, date time.Time, routes map[string]bool) []ArrivalEvent {
	day := serviceDay(date, a.Location)
	var out []ArrivalEvent
	for _, id := range s.TripIDs() {
		trip := s.Trips[id]
		if len(routes) > 0 && !routes[trip.RouteID] {
			continue
		}
		cal, ok := s.Calendars[trip.ServiceID]
		if !ok || !cal.ActiveOn(day) {
			continue
		}
		for _, v := range s.Visits[id] {
			out = append(out, ArrivalEvent{TripInstanceID: id, RouteID: trip.RouteID, StopID: v.StopID, Time: gtfs.At(day, v.ArrivalSec)})
		}
	}
	return out
}

// Headways orders events per route and stop by time and measures each gap
// to the immediately preceding event. A gap between two events of the same
// trip instance is not a headway.
func (a *Aggregator) Headways(events []ArrivalEvent, tally *quality.Tally) []Headway {
	type key struct{ route, stop string }
	groups := make(map[key][]ArrivalEvent)
	for _, e := range events {
		k := key{e.RouteID, e.StopID}
		groups[k] = append(groups[k], e)
	}
	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].route != keys[j].route {
			return keys[i].route < keys[j].route
		}
		return keys[i].stop < keys[j].stop
	})

	var out []Headway
	for _, k := range keys {
		evs := groups[k]
		sort.SliceStable(evs, func(i, j int) bool {
			if !evs[i].Time.Equal(evs[j].Time) {
				return evs[i].Time.Before(evs[j].Time)
			}
			return evs[i].TripInstanceID < evs[j].TripInstanceID
		})
		for i := 1; i < len(evs); i++ {
			prev, cur := evs[i-1], evs[i]
			if prev.TripInstanceID == cur.TripInstanceID {
				tally.Inc(quality.ReasonSelfHeadway)
				continue
			}
			sec := cur.Time.Sub(prev.Time).Seconds()
			if !inOpen(sec, a.Limits.MaxHeadwaySec) {
				tally.Inc(quality.ReasonBadHeadway)
				continue
			}
			out = append(out, Headway{
				RouteID:            k.route,
				StopID:             k.stop,
				TripInstanceID:     cur.TripInstanceID,
				PrevTripInstanceID: prev.TripInstanceID,
				Time:               cur.Time,
				PrevTime:           prev.Time,
				HeadwaySec:         sec,
				Period:             TimePeriod(cur.Time, a.Location),
				DayType:            DayType(cur.Time, a.Location),
			})
		}
	}
	return out
}

// HeadwayCategory labels a headway against the bunching threshold: bunched
// below it, then good up to 10 minutes, acceptable up to 20, gap beyond.
func (a *Aggregator) HeadwayCategory(sec float64) string {
	switch {
	case sec < a.Limits.BunchingHeadwaySec:
		return HeadwayBunched
	case sec <= 600:
		return HeadwayGood
	case sec <= 1200:
		return HeadwayAcceptable
	default:
		return HeadwayGap
	}
}
