// Package static loads a GTFS schedule from a feed directory or zip archive,
// for runs that do not have a populated database.
package static

import (
	"fmt"
	"sort"
	"time"

	"github.com/patrickbr/gtfsparser"
	pgtfs "github.com/patrickbr/gtfsparser/gtfs"
	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/gtfs"
)

// maxCalendarDays bounds the per-service date walk used to recover
// calendar_dates exceptions.
const maxCalendarDays = 3 * 366

// Load parses the feed at path. routes, when non-empty, restricts trips to
// those route ids; stops and shapes not referenced by a kept trip are
// dropped. Service days are expressed in loc.
func Load(path string, routes map[string]bool, loc *time.Location) (*gtfs.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	feed := gtfsparser.NewFeed()
	feed.SetParseOpts(gtfsparser.ParseOptions{UseDefValueOnError: false, DropErroneous: false, DryRun: false})
	if err := feed.Parse(path); err != nil {
		return nil, fmt.Errorf("parse gtfs %s: %w", path, err)
	}

	shapeIDs := make(map[*pgtfs.Shape]string, len(feed.Shapes))
	for id, shp := range feed.Shapes {
		shapeIDs[shp] = id
	}
	stopIDs := make(map[*pgtfs.Stop]string, len(feed.Stops))
	for id, st := range feed.Stops {
		stopIDs[st] = id
	}

	s := gtfs.NewSchedule()
	usedShapes := map[*pgtfs.Shape]string{}
	for id, trip := range feed.Trips {
		if trip.Route == nil || trip.Service == nil {
			continue
		}
		if len(routes) > 0 && !routes[trip.Route.Id] {
			continue
		}
		t := gtfs.Trip{TripID: id, RouteID: trip.Route.Id, ServiceID: trip.Service.Id()}
		if trip.Direction_id == 1 {
			t.DirectionID = 1
		}
		if trip.Shape != nil {
			t.ShapeID = shapeIDs[trip.Shape]
			usedShapes[trip.Shape] = t.ShapeID
		}
		s.Trips[id] = t

		visits := make([]gtfs.StopVisit, 0, len(trip.StopTimes))
		for i := range trip.StopTimes {
			st := &trip.StopTimes[i]
			stop := st.Stop()
			if stop == nil {
				continue
			}
			v := gtfs.StopVisit{
				TripID:       id,
				StopSequence: st.Sequence(),
				StopID:       stopIDs[stop],
				ArrivalSec:   st.Arrival_time().SecondsSinceMidnight(),
				DepartureSec: st.Departure_time().SecondsSinceMidnight(),
				StopLat:      float64(stop.Lat),
				StopLon:      float64(stop.Lon),
			}
			if st.HasDistanceTraveled() {
				v.ShapeDistTraveled = float64(st.Shape_dist_traveled())
			}
			visits = append(visits, v)
			if _, ok := s.Stops[v.StopID]; !ok {
				s.Stops[v.StopID] = gtfs.Stop{StopID: v.StopID, Name: stop.Name, Lat: v.StopLat, Lon: v.StopLon}
			}
		}
		s.Visits[id] = visits

		if _, ok := s.Calendars[t.ServiceID]; !ok {
			s.Calendars[t.ServiceID] = serviceCalendar(t.ServiceID, trip.Service, loc)
		}
	}

	for shp, id := range usedShapes {
		pts := make([]gtfs.ShapePoint, 0, len(shp.Points))
		for i, p := range shp.Points {
			sp := gtfs.ShapePoint{Lat: float64(p.Lat), Lon: float64(p.Lon), Sequence: i}
			if p.HasDistanceTraveled() {
				sp.DistTraveled = float64(p.Dist_traveled)
			}
			pts = append(pts, sp)
		}
		s.Shapes[id] = pts
	}
	s.SortVisits()

	log.Info().
		Str("path", path).
		Int("trips", len(s.Trips)).
		Int("stops", len(s.Stops)).
		Int("shapes", len(s.Shapes)).
		Int("calendars", len(s.Calendars)).
		Msg("schedule loaded")
	return s, nil
}

// serviceCalendar flattens a parsed service into the weekly pattern over its
// defined range plus explicit additions and removals, recovered by comparing
// the effective activity with the weekly pattern day by day.
func serviceCalendar(id string, svc *pgtfs.Service, loc *time.Location) *gtfs.ServiceCalendar {
	c := gtfs.NewServiceCalendar(id)
	for wd := 0; wd < 7; wd++ {
		c.Weekdays[wd] = svc.Daymap(wd)
	}

	first, last := svc.GetFirstDefinedDate(), svc.GetLastDefinedDate()
	start, end := inLoc(first.GetTime(), loc), inLoc(last.GetTime(), loc)
	if end.Before(start) {
		return c
	}
	c.Start, c.End = start, end

	d := first
	for n := 0; n < maxCalendarDays; n++ {
		day := inLoc(d.GetTime(), loc)
		if day.After(end) {
			break
		}
		active, weekly := svc.IsActiveOn(d), c.Weekdays[day.Weekday()]
		switch {
		case active && !weekly:
			c.Added[day.Format("20060102")] = true
		case !active && weekly:
			c.Removed[day.Format("20060102")] = true
		}
		d = d.GetOffsettedDate(1)
	}
	return c
}

func inLoc(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// RouteIDs lists the distinct route ids of s, sorted.
func RouteIDs(s *gtfs.Schedule) []string {
	seen := map[string]bool{}
	for _, t := range s.Trips {
		seen[t.RouteID] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
