package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/geometry"
	"gtfs-segmetrics/internal/live"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/segment"
	"gtfs-segmetrics/internal/trajectory"
)

// RowCounter is told how many rows each table received.
type RowCounter interface {
	RowsInc(table string, n int)
}

// Store writes derived tables. Every write drops and recreates its table in
// one transaction, so readers see either the previous run or this one.
type Store struct {
	db   *sql.DB
	rows RowCounter
}

func NewStore(db *sql.DB, rows RowCounter) *Store {
	return &Store{db: db, rows: rows}
}

type tableSpec struct {
	name    string
	columns string
	indexes []string
	insert  string
}

func (s *Store) replace(ctx context.Context, t tableSpec, n int, row func(i int) ([]any, error)) (int, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s: %w", t.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+t.name); err != nil {
		return 0, fmt.Errorf("drop %s: %w", t.name, err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE `+t.name+` (`+t.columns+`)`); err != nil {
		return 0, fmt.Errorf("create %s: %w", t.name, err)
	}
	stmt, err := tx.PrepareContext(ctx, t.insert)
	if err != nil {
		return 0, fmt.Errorf("prepare %s: %w", t.name, err)
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		args, err := row(i)
		if err != nil {
			return 0, fmt.Errorf("%s row %d: %w", t.name, i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert %s row %d: %w", t.name, i, err)
		}
	}
	for _, idx := range t.indexes {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return 0, fmt.Errorf("index %s: %w", t.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", t.name, err)
	}
	if s.rows != nil {
		s.rows.RowsInc(t.name, n)
	}
	log.Info().Str("table", t.name).Int("rows", n).Dur("took", time.Since(start)).Msg("table written")
	return n, nil
}

func (s *Store) WriteSegments(ctx context.Context, segs []segment.Segment, sources map[string]geometry.Source) (int, error) {
	t := tableSpec{
		name: "segments",
		columns: `trip_id text NOT NULL, route_id text, stop1_sequence int NOT NULL, stop2_sequence int NOT NULL,
            stop1_id text, stop2_id text, stop1_arrival_sec int, stop2_arrival_sec int, duration_sec int,
            start_perc double precision, end_perc double precision, length_m double precision,
            scheduled_speed_kmh double precision, point_count int, geometry_source text,
            geom geometry(LineString, 4326),
            PRIMARY KEY (trip_id, stop1_sequence)`,
		indexes: []string{
			`CREATE INDEX segments_route_idx ON segments (route_id, stop1_id, stop2_id)`,
			`CREATE INDEX segments_geom_idx ON segments USING GIST (geom)`,
		},
		insert: `INSERT INTO segments VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
            ST_SetSRID(ST_GeomFromGeoJSON($16), 4326))`,
	}
	return s.replace(ctx, t, len(segs), func(i int) ([]any, error) {
		sg := segs[i]
		g, err := lineGeoJSON(sg.Geometry)
		if err != nil {
			return nil, err
		}
		return []any{sg.TripID, sg.RouteID, sg.Stop1Sequence, sg.Stop2Sequence, sg.Stop1ID, sg.Stop2ID,
			sg.Stop1ArrivalSec, sg.Stop2ArrivalSec, sg.DurationSec, sg.StartPerc, sg.EndPerc, sg.LengthM,
			sg.ScheduledSpeedKmh(), sg.PointCount, string(sources[sg.TripID]), g}, nil
	})
}

func (s *Store) WriteScheduledTrajectories(ctx context.Context, trajs []*trajectory.Scheduled) (int, error) {
	t := tableSpec{
		name: "scheduled_trajectories",
		columns: `trip_id text PRIMARY KEY, route_id text, service_date date, start_time timestamptz,
            end_time timestamptz, length_m double precision, point_count int, times timestamptz[],
            path geometry(LineString, 4326)`,
		indexes: []string{`CREATE INDEX scheduled_trajectories_route_idx ON scheduled_trajectories (route_id, start_time)`},
		insert: `INSERT INTO scheduled_trajectories VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
            ST_SetSRID(ST_GeomFromGeoJSON($9), 4326))`,
	}
	return s.replace(ctx, t, len(trajs), func(i int) ([]any, error) {
		st := trajs[i]
		g, err := lineGeoJSON(st.Path)
		if err != nil {
			return nil, err
		}
		return []any{st.TripID, st.RouteID, st.ServiceDate.Format("2006-01-02"), st.StartTime, st.Trajectory.End(),
			st.Trajectory.LengthM(), st.Trajectory.Len(), instantTimes(st.Trajectory), g}, nil
	})
}

func (s *Store) WriteLiveTrajectories(ctx context.Context, trips []live.Trip) (int, error) {
	t := tableSpec{
		name: "live_trajectories",
		columns: `trip_instance_id text PRIMARY KEY, trip_id text, route_id text, vehicle_id text,
            service_date date, start_time timestamptz, end_time timestamptz, length_m double precision,
            point_count int, times timestamptz[], path geometry(LineString, 4326)`,
		indexes: []string{`CREATE INDEX live_trajectories_route_idx ON live_trajectories (route_id, start_time)`},
		insert: `INSERT INTO live_trajectories VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
            ST_SetSRID(ST_GeomFromGeoJSON($11), 4326))`,
	}
	return s.replace(ctx, t, len(trips), func(i int) ([]any, error) {
		lt := trips[i]
		g, err := lineGeoJSON(lt.Trajectory.Path())
		if err != nil {
			return nil, err
		}
		return []any{lt.TripInstanceID, lt.TripID, lt.RouteID, lt.VehicleID, lt.ServiceDate.Format("2006-01-02"),
			lt.Trajectory.Start(), lt.Trajectory.End(), lt.Trajectory.LengthM(), lt.Trajectory.Len(),
			instantTimes(lt.Trajectory), g}, nil
	})
}

func (s *Store) WriteStopArrivals(ctx context.Context, arrivals []matcher.StopArrival) (int, error) {
	t := tableSpec{
		name: "matched_stop_arrivals",
		columns: `trip_instance_id text NOT NULL, trip_id text, route_id text, stop_id text NOT NULL,
            scheduled_sequence int, actual_sequence int NOT NULL, service_date date,
            arrival_time timestamptz, distance_m double precision, geom geometry(Point, 4326),
            PRIMARY KEY (trip_instance_id, actual_sequence)`,
		indexes: []string{`CREATE INDEX matched_stop_arrivals_stop_idx ON matched_stop_arrivals (route_id, stop_id, arrival_time)`},
		insert: `INSERT INTO matched_stop_arrivals VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
            ST_SetSRID(ST_GeomFromGeoJSON($10), 4326))`,
	}
	return s.replace(ctx, t, len(arrivals), func(i int) ([]any, error) {
		a := arrivals[i]
		g, err := pointGeoJSON(a.Point)
		if err != nil {
			return nil, err
		}
		return []any{a.TripInstanceID, a.TripID, a.RouteID, a.StopID, a.ScheduledSequence, a.ActualSequence,
			a.ServiceDate.Format("2006-01-02"), a.Arrival, a.DistanceM, g}, nil
	})
}

func (s *Store) WriteActualSegments(ctx context.Context, segs []matcher.ActualSegment) (int, error) {
	t := tableSpec{
		name: "actual_segments",
		columns: `trip_instance_id text NOT NULL, trip_id text, route_id text, stop1_id text, stop2_id text,
            stop1_sequence int NOT NULL, stop2_sequence int, stop1_scheduled_sequence int, stop2_scheduled_sequence int,
            stop1_time timestamptz, stop2_time timestamptz, duration_sec double precision,
            PRIMARY KEY (trip_instance_id, stop1_sequence)`,
		insert: `INSERT INTO actual_segments VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	}
	return s.replace(ctx, t, len(segs), func(i int) ([]any, error) {
		a := segs[i]
		return []any{a.TripInstanceID, a.TripID, a.RouteID, a.Stop1ID, a.Stop2ID, a.Stop1Sequence, a.Stop2Sequence,
			a.Stop1ScheduledSeq, a.Stop2ScheduledSeq, a.Stop1Time, a.Stop2Time, a.DurationSec}, nil
	})
}

func (s *Store) WriteObservations(ctx context.Context, obs []aggregate.SegmentObservation) (int, error) {
	t := tableSpec{
		name: "segment_observations",
		columns: `trip_instance_id text, trip_id text, route_id text, stop1_id text, stop2_id text,
            stop1_sequence int, stop2_sequence int, length_m double precision,
            scheduled_duration_sec double precision, actual_duration_sec double precision,
            scheduled_speed_kmh double precision, actual_speed_kmh double precision, delay_minutes double precision,
            departure_time timestamptz, arrival_time timestamptz, time_period text, day_type text,
            occupancy text, geom geometry(LineString, 4326)`,
		indexes: []string{`CREATE INDEX segment_observations_pair_idx ON segment_observations (route_id, stop1_id, stop2_id)`},
		insert: `INSERT INTO segment_observations VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
            $14, $15, $16, $17, $18, ST_SetSRID(ST_GeomFromGeoJSON($19), 4326))`,
	}
	return s.replace(ctx, t, len(obs), func(i int) ([]any, error) {
		o := obs[i]
		g, err := lineGeoJSON(o.Geometry)
		if err != nil {
			return nil, err
		}
		return []any{o.TripInstanceID, o.TripID, o.RouteID, o.Stop1ID, o.Stop2ID, o.Stop1Sequence, o.Stop2Sequence,
			o.LengthM, o.ScheduledDurationSec, o.ActualDurationSec, o.ScheduledSpeedKmh, o.ActualSpeedKmh,
			o.DelayMinutes, o.Departure, o.Arrival, o.Period, o.DayType, nullString(o.Occupancy), g}, nil
	})
}

func (s *Store) WriteStopDelays(ctx context.Context, delays []aggregate.StopDelay) (int, error) {
	t := tableSpec{
		name: "stop_delays",
		columns: `trip_instance_id text, trip_id text, route_id text, stop_id text, stop_sequence int,
            scheduled_time timestamptz, actual_time timestamptz, delay_seconds double precision,
            time_period text, day_type text`,
		insert: `INSERT INTO stop_delays VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	}
	return s.replace(ctx, t, len(delays), func(i int) ([]any, error) {
		d := delays[i]
		return []any{d.TripInstanceID, d.TripID, d.RouteID, d.StopID, d.StopSequence, d.Scheduled, d.Actual,
			d.DelaySec, d.Period, d.DayType}, nil
	})
}

// Headway kinds in the headways table.
const (
	HeadwayObserved   = "observed"
	HeadwayTripUpdate = "trip_update"
	HeadwayScheduled  = "scheduled"
)

// HeadwaySet is one headway series and where it came from.
type HeadwaySet struct {
	Kind     string
	Headways []aggregate.Headway
}

// WriteHeadways writes every set into one table; agg classifies each gap.
func (s *Store) WriteHeadways(ctx context.Context, agg *aggregate.Aggregator, sets ...HeadwaySet) (int, error) {
	type row struct {
		kind string
		h    aggregate.Headway
	}
	var rows []row
	for _, set := range sets {
		for _, h := range set.Headways {
			rows = append(rows, row{set.Kind, h})
		}
	}
	t := tableSpec{
		name: "headways",
		columns: `kind text NOT NULL, route_id text, stop_id text, trip_instance_id text, prev_trip_instance_id text,
            arrival_time timestamptz, prev_arrival_time timestamptz, headway_seconds double precision,
            headway_minutes double precision, category text, time_period text, day_type text`,
		indexes: []string{`CREATE INDEX headways_stop_idx ON headways (kind, route_id, stop_id, arrival_time)`},
		insert:  `INSERT INTO headways VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	}
	return s.replace(ctx, t, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		h := r.h
		return []any{r.kind, h.RouteID, h.StopID, h.TripInstanceID, h.PrevTripInstanceID, h.Time, h.PrevTime,
			h.HeadwaySec, h.Minutes(), agg.HeadwayCategory(h.HeadwaySec), h.Period, h.DayType}, nil
	})
}

func (s *Store) WriteSegmentMetrics(ctx context.Context, aggs []aggregate.SegmentAggregate) (int, error) {
	t := tableSpec{
		name: "segment_metrics",
		columns: `route_id text, stop1_id text, stop2_id text, time_period text, day_type text,
            observation_count int, length_m double precision, mean_scheduled_speed_kmh double precision,
            mean_actual_speed_kmh double precision, mean_delay_minutes double precision,
            std_delay_minutes double precision, min_delay_minutes double precision, max_delay_minutes double precision,
            geom geometry(LineString, 4326)`,
		indexes: []string{`CREATE INDEX segment_metrics_geom_idx ON segment_metrics USING GIST (geom)`},
		insert: `INSERT INTO segment_metrics VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
            ST_SetSRID(ST_GeomFromGeoJSON($14), 4326))`,
	}
	return s.replace(ctx, t, len(aggs), func(i int) ([]any, error) {
		a := aggs[i]
		g, err := lineGeoJSON(a.Geometry)
		if err != nil {
			return nil, err
		}
		return []any{a.RouteID, a.Stop1ID, a.Stop2ID, a.Period, a.DayType, a.Count, a.LengthM,
			a.MeanScheduledSpeedKmh, a.MeanActualSpeedKmh, a.MeanDelayMin, nullFloat(a.StdDelayMin),
			a.MinDelayMin, a.MaxDelayMin, g}, nil
	})
}

func (s *Store) WriteStopDelayMetrics(ctx context.Context, aggs []aggregate.StopDelayAggregate) (int, error) {
	t := tableSpec{
		name: "stop_delay_metrics",
		columns: `route_id text, stop_id text, time_period text, day_type text, observation_count int,
            mean_delay_seconds double precision, std_delay_seconds double precision,
            min_delay_seconds double precision, max_delay_seconds double precision, on_time_pct double precision`,
		insert: `INSERT INTO stop_delay_metrics VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	}
	return s.replace(ctx, t, len(aggs), func(i int) ([]any, error) {
		a := aggs[i]
		return []any{a.RouteID, a.StopID, a.Period, a.DayType, a.Count, a.MeanDelaySec, nullFloat(a.StdDelaySec),
			a.MinDelaySec, a.MaxDelaySec, a.OnTimePct}, nil
	})
}

func (s *Store) WriteHeadwayMetrics(ctx context.Context, aggs []aggregate.HeadwayAggregate) (int, error) {
	t := tableSpec{
		name: "headway_metrics",
		columns: `route_id text, stop_id text, time_period text, day_type text, observation_count int,
            mean_headway_minutes double precision, std_headway_minutes double precision,
            min_headway_minutes double precision, max_headway_minutes double precision,
            bunched int, good int, acceptable int, gap int`,
		insert: `INSERT INTO headway_metrics VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	}
	return s.replace(ctx, t, len(aggs), func(i int) ([]any, error) {
		a := aggs[i]
		return []any{a.RouteID, a.StopID, a.Period, a.DayType, a.Count, a.MeanHeadwayMin, nullFloat(a.StdHeadwayMin),
			a.MinHeadwayMin, a.MaxHeadwayMin, a.Bunched, a.Good, a.Acceptable, a.Gap}, nil
	})
}

func (s *Store) WriteBunching(ctx context.Context, sums []aggregate.BunchingSummary) (int, error) {
	t := tableSpec{
		name: "bunching_summary",
		columns: `route_id text, time_period text, observation_count int, bunched int,
            bunched_pct double precision, mean_headway_minutes double precision`,
		insert: `INSERT INTO bunching_summary VALUES ($1, $2, $3, $4, $5, $6)`,
	}
	return s.replace(ctx, t, len(sums), func(i int) ([]any, error) {
		b := sums[i]
		return []any{b.RouteID, b.Period, b.Count, b.Bunched, b.BunchedPct, b.MeanHeadwayMin}, nil
	})
}

func (s *Store) WriteOccupancyMetrics(ctx context.Context, aggs []aggregate.OccupancyAggregate, corr []aggregate.OccupancyCorrelation) (int, error) {
	t := tableSpec{
		name: "occupancy_metrics",
		columns: `route_id text, occupancy text, time_period text, observation_count int,
            mean_delay_minutes double precision, mean_actual_speed_kmh double precision`,
		insert: `INSERT INTO occupancy_metrics VALUES ($1, $2, $3, $4, $5, $6)`,
	}
	n, err := s.replace(ctx, t, len(aggs), func(i int) ([]any, error) {
		a := aggs[i]
		return []any{a.RouteID, a.Occupancy, a.Period, a.Count, a.MeanDelayMin, a.MeanActualSpeedKmh}, nil
	})
	if err != nil {
		return n, err
	}
	c := tableSpec{
		name:    "occupancy_delay_correlation",
		columns: `route_id text PRIMARY KEY, observation_count int, coefficient double precision`,
		insert:  `INSERT INTO occupancy_delay_correlation VALUES ($1, $2, $3)`,
	}
	m, err := s.replace(ctx, c, len(corr), func(i int) ([]any, error) {
		return []any{corr[i].RouteID, corr[i].Count, nullFloat(corr[i].Coefficient)}, nil
	})
	return n + m, err
}

func instantTimes(t *trajectory.Trajectory) []time.Time {
	ins := t.Instants()
	out := make([]time.Time, len(ins))
	for i, in := range ins {
		out[i] = in.Time
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullFloat maps NaN (an undefined statistic) to NULL.
func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}
