package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
)

const (
	vehiclePositionsTable = "rt_vehicle_positions"
	tripUpdatesTable      = "rt_trip_updates"
)

// LoadVehiclePositions reads position reports whose entity timestamp lies in
// [since, until], optionally restricted to routes. Rows without coordinates
// come back with a nil Position so the reducer can count them.
func LoadVehiclePositions(ctx context.Context, db *sql.DB, since, until time.Time, routes map[string]bool, loc *time.Location) ([]gtfs.LivePositionReport, error) {
	q := `SELECT COALESCE(trip_instance_id, ''),
                 COALESCE(trip_id, ''),
                 COALESCE(route_id, ''),
                 COALESCE(vehicle_id, ''),
                 COALESCE(start_date::text, ''),
                 fetch_timestamp,
                 entity_timestamp,
                 latitude,
                 longitude,
                 COALESCE(occupancy_status, '')
          FROM ` + vehiclePositionsTable + `
          WHERE entity_timestamp BETWEEN $1 AND $2
            AND ($3 = FALSE OR route_id = ANY($4))
          ORDER BY trip_instance_id, entity_timestamp, fetch_timestamp`
	rows, err := db.QueryContext(ctx, q, since, until, len(routes) > 0, routeList(routes))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", vehiclePositionsTable, err)
	}
	defer rows.Close()

	var out []gtfs.LivePositionReport
	for rows.Next() {
		var r gtfs.LivePositionReport
		var startDate string
		var fetched sql.NullTime
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&r.TripInstanceID, &r.TripID, &r.RouteID, &r.VehicleID, &startDate, &fetched, &r.Timestamp, &lat, &lon, &r.OccupancyStatus); err != nil {
			return nil, err
		}
		if fetched.Valid {
			r.FetchedAt = fetched.Time
		}
		if startDate != "" {
			if d, err := parseDate(startDate, loc); err == nil {
				r.ServiceDate = d
			}
		}
		if lat.Valid && lon.Valid {
			r.Position = &geo.Point{Lon: lon.Float64, Lat: lat.Float64}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadTripUpdates reads stop time update rows in [since, until].
func LoadTripUpdates(ctx context.Context, db *sql.DB, since, until time.Time, routes map[string]bool) ([]gtfs.TripUpdateReport, error) {
	q := `SELECT COALESCE(trip_instance_id, ''),
                 COALESCE(trip_id, ''),
                 COALESCE(route_id, ''),
                 COALESCE(vehicle_id, ''),
                 fetch_timestamp,
                 entity_timestamp,
                 COALESCE(stop_sequence, 0),
                 COALESCE(stop_id, ''),
                 arrival_time,
                 arrival_delay_seconds,
                 departure_time,
                 departure_delay_seconds
          FROM ` + tripUpdatesTable + `
          WHERE entity_timestamp BETWEEN $1 AND $2
            AND ($3 = FALSE OR route_id = ANY($4))
          ORDER BY trip_instance_id, stop_sequence, fetch_timestamp`
	rows, err := db.QueryContext(ctx, q, since, until, len(routes) > 0, routeList(routes))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tripUpdatesTable, err)
	}
	defer rows.Close()

	var out []gtfs.TripUpdateReport
	for rows.Next() {
		var r gtfs.TripUpdateReport
		var fetched, arr, dep sql.NullTime
		var arrDelay, depDelay sql.NullInt32
		if err := rows.Scan(&r.TripInstanceID, &r.TripID, &r.RouteID, &r.VehicleID, &fetched, &r.Timestamp,
			&r.StopSequence, &r.StopID, &arr, &arrDelay, &dep, &depDelay); err != nil {
			return nil, err
		}
		if fetched.Valid {
			r.FetchedAt = fetched.Time
		}
		if arr.Valid {
			r.Arrival = arr.Time
		}
		if dep.Valid {
			r.Departure = dep.Time
		}
		if arrDelay.Valid {
			v := arrDelay.Int32
			r.ArrivalDelaySec = &v
		}
		if depDelay.Valid {
			v := depDelay.Int32
			r.DepartureDelaySec = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRealtimeBefore removes raw realtime rows whose entity timestamp is
// older than cutoff and returns the rows deleted per table.
func DeleteRealtimeBefore(ctx context.Context, db *sql.DB, cutoff time.Time) (map[string]int64, error) {
	out := make(map[string]int64, 2)
	for _, table := range []string{vehiclePositionsTable, tripUpdatesTable} {
		res, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_timestamp < $1`, cutoff)
		if err != nil {
			return out, fmt.Errorf("clean %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return out, err
		}
		out[table] = n
	}
	return out, nil
}
