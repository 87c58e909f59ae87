package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/gtfs"
)

// LoadSchedule reads trips, stop visits, stops, shapes and service
// calendars. routes, when non-empty, restricts trips (and what hangs off
// them) to those route ids.
func LoadSchedule(ctx context.Context, db *sql.DB, routes map[string]bool, loc *time.Location) (*gtfs.Schedule, error) {
	s := gtfs.NewSchedule()
	shapeIDs := map[string]bool{}

	if err := loadTrips(ctx, db, routes, s, shapeIDs); err != nil {
		return nil, err
	}
	if err := loadStopVisits(ctx, db, routes, s); err != nil {
		return nil, err
	}
	if err := loadShapes(ctx, db, shapeIDs, s); err != nil {
		return nil, err
	}
	if err := loadCalendars(ctx, db, s, loc); err != nil {
		return nil, err
	}
	s.SortVisits()

	log.Info().
		Int("trips", len(s.Trips)).
		Int("stops", len(s.Stops)).
		Int("shapes", len(s.Shapes)).
		Int("calendars", len(s.Calendars)).
		Msg("schedule loaded")
	return s, nil
}

func loadTrips(ctx context.Context, db *sql.DB, routes map[string]bool, s *gtfs.Schedule, shapeIDs map[string]bool) error {
	q := `SELECT trip_id, route_id, COALESCE(shape_id, ''), service_id, CASE WHEN direction_id::text IN ('1', 'inbound') THEN 1 ELSE 0 END
          FROM trips
          WHERE ($1 = FALSE OR route_id = ANY($2))`
	rows, err := db.QueryContext(ctx, q, len(routes) > 0, routeList(routes))
	if err != nil {
		return fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t gtfs.Trip
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ShapeID, &t.ServiceID, &t.DirectionID); err != nil {
			return err
		}
		s.Trips[t.TripID] = t
		if t.ShapeID != "" {
			shapeIDs[t.ShapeID] = true
		}
	}
	return rows.Err()
}

func loadStopVisits(ctx context.Context, db *sql.DB, routes map[string]bool, s *gtfs.Schedule) error {
	lat, lon, err := pointColumns(ctx, db, "stops", "s", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return err
	}
	q := `SELECT st.trip_id,
                 st.stop_sequence,
                 COALESCE(st.arrival_time::text, st.departure_time::text, ''),
                 COALESCE(st.departure_time::text, st.arrival_time::text, ''),
                 COALESCE(st.shape_dist_traveled, 0),
                 st.stop_id,
                 COALESCE(s.stop_name, ''),
                 COALESCE(` + lat + `, 0),
                 COALESCE(` + lon + `, 0)
          FROM stop_times st
          JOIN stops s ON s.stop_id = st.stop_id
          JOIN trips t ON t.trip_id = st.trip_id
          WHERE ($1 = FALSE OR t.route_id = ANY($2))
          ORDER BY st.trip_id, st.stop_sequence`
	rows, err := db.QueryContext(ctx, q, len(routes) > 0, routeList(routes))
	if err != nil {
		return fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v gtfs.StopVisit
		var arr, dep, name string
		if err := rows.Scan(&v.TripID, &v.StopSequence, &arr, &dep, &v.ShapeDistTraveled, &v.StopID, &name, &v.StopLat, &v.StopLon); err != nil {
			return err
		}
		v.ArrivalSec = parseDaySeconds(arr)
		v.DepartureSec = parseDaySeconds(dep)
		s.Visits[v.TripID] = append(s.Visits[v.TripID], v)
		if _, ok := s.Stops[v.StopID]; !ok {
			s.Stops[v.StopID] = gtfs.Stop{StopID: v.StopID, Name: name, Lat: v.StopLat, Lon: v.StopLon}
		}
	}
	return rows.Err()
}

func loadShapes(ctx context.Context, db *sql.DB, shapeIDs map[string]bool, s *gtfs.Schedule) error {
	if len(shapeIDs) == 0 {
		return nil
	}
	lat, lon, err := pointColumns(ctx, db, "shapes", "sh", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return err
	}
	q := `SELECT sh.shape_id, ` + lat + `, ` + lon + `, sh.shape_pt_sequence, COALESCE(sh.shape_dist_traveled, 0)
          FROM shapes sh
          WHERE sh.shape_id = ANY($1)
          ORDER BY sh.shape_id, sh.shape_pt_sequence`
	rows, err := db.QueryContext(ctx, q, routeList(shapeIDs))
	if err != nil {
		return fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var p gtfs.ShapePoint
		if err := rows.Scan(&id, &p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return err
		}
		s.Shapes[id] = append(s.Shapes[id], p)
	}
	return rows.Err()
}

func loadCalendars(ctx context.Context, db *sql.DB, s *gtfs.Schedule, loc *time.Location) error {
	q := `SELECT service_id, monday::text, tuesday::text, wednesday::text, thursday::text,
                 friday::text, saturday::text, sunday::text, start_date::text, end_date::text
          FROM calendar`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query calendar: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, mon, tue, wed, thu, fri, sat, sun, start, end string
		if err := rows.Scan(&id, &mon, &tue, &wed, &thu, &fri, &sat, &sun, &start, &end); err != nil {
			return err
		}
		c := calendarFor(s, id)
		c.Weekdays[time.Monday] = parseFlag(mon)
		c.Weekdays[time.Tuesday] = parseFlag(tue)
		c.Weekdays[time.Wednesday] = parseFlag(wed)
		c.Weekdays[time.Thursday] = parseFlag(thu)
		c.Weekdays[time.Friday] = parseFlag(fri)
		c.Weekdays[time.Saturday] = parseFlag(sat)
		c.Weekdays[time.Sunday] = parseFlag(sun)
		if c.Start, err = parseDate(start, loc); err != nil {
			return fmt.Errorf("calendar %s start_date: %w", id, err)
		}
		if c.End, err = parseDate(end, loc); err != nil {
			return fmt.Errorf("calendar %s end_date: %w", id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// calendar_dates is optional in GTFS
	exists, err := hasColumns(ctx, db, "public", "calendar_dates", "service_id", "date", "exception_type")
	if err != nil {
		return fmt.Errorf("introspect calendar_dates: %w", err)
	}
	if !exists["service_id"] {
		return nil
	}
	rows2, err := db.QueryContext(ctx, `SELECT service_id, date::text, exception_type::text FROM calendar_dates`)
	if err != nil {
		return fmt.Errorf("query calendar_dates: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var id, date, exc string
		if err := rows2.Scan(&id, &date, &exc); err != nil {
			return err
		}
		d, err := parseDate(date, loc)
		if err != nil {
			return fmt.Errorf("calendar_dates %s: %w", id, err)
		}
		added, ok := parseExceptionType(exc)
		if !ok {
			continue
		}
		c := calendarFor(s, id)
		if added {
			c.Added[d.Format("20060102")] = true
		} else {
			c.Removed[d.Format("20060102")] = true
		}
	}
	return rows2.Err()
}

func calendarFor(s *gtfs.Schedule, id string) *gtfs.ServiceCalendar {
	c, ok := s.Calendars[id]
	if !ok {
		c = gtfs.NewServiceCalendar(id)
		s.Calendars[id] = c
	}
	return c
}
