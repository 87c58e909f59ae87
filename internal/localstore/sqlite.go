// Package localstore keeps run results in a SQLite file for runs that have
// no Postgres to write to. Every run is kept under its run id.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"sync"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/pipeline"
	"gtfs-segmetrics/internal/quality"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a SQLite database. Writes are serialized.
type Store struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Str("path", path).Msg("sqlite store ready")
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Conn exposes the underlying handle for read-back.
func (s *Store) Conn() *sql.DB { return s.conn }

// WriteRun stores res under its run id, replacing an earlier write of the
// same run.
func (s *Store) WriteRun(ctx context.Context, res *pipeline.RunResult, w pipeline.Window) error {
	if res == nil || res.RunID == "" {
		return fmt.Errorf("run result without id")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, res.RunID); err != nil {
		return err
	}

	var segments, trips int
	if res.Segments != nil {
		segments = len(res.Segments.All())
	}
	if res.Live != nil {
		trips = len(res.Live.Trips)
	}
	m := res.Metrics
	if m == nil {
		m = &pipeline.MetricsResult{}
	}
	var excluded int
	var reasons map[quality.Reason]int
	if res.Tally != nil {
		excluded, reasons = res.Tally.Total(), res.Tally.Snapshot()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, window_since, window_until, segments, live_trips, observations, excluded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, stamp(time.Now()), stamp(w.Since), stamp(w.Until),
		segments, trips, len(m.Observations), excluded); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for reason, n := range reasons {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_exclusions (run_id, reason, count) VALUES (?, ?, ?)`, res.RunID, string(reason), n); err != nil {
			return fmt.Errorf("insert exclusion: %w", err)
		}
	}

	if err := s.insertMetrics(ctx, tx, res.RunID, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().
		Str("run_id", res.RunID).
		Int("observations", len(m.Observations)).
		Int("segment_metrics", len(m.SegmentAggregates)).
		Msg("run stored")
	return nil
}

func (s *Store) insertMetrics(ctx context.Context, tx *sql.Tx, runID string, m *pipeline.MetricsResult) error {
	obs, err := tx.PrepareContext(ctx, `INSERT INTO segment_observations
		(run_id, trip_instance_id, trip_id, route_id, stop1_id, stop2_id, length_m, scheduled_duration_sec,
		 actual_duration_sec, actual_speed_kmh, delay_minutes, departure, arrival, time_period, day_type, occupancy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer obs.Close()
	for _, o := range m.Observations {
		if _, err := obs.ExecContext(ctx, runID, o.TripInstanceID, o.TripID, o.RouteID, o.Stop1ID, o.Stop2ID,
			nullReal(o.LengthM), nullReal(o.ScheduledDurationSec), nullReal(o.ActualDurationSec), nullReal(o.ActualSpeedKmh),
			nullReal(o.DelayMinutes), stamp(o.Departure), stamp(o.Arrival), o.Period, o.DayType, o.Occupancy); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}

	seg, err := tx.PrepareContext(ctx, `INSERT INTO segment_metrics
		(run_id, route_id, stop1_id, stop2_id, time_period, day_type, count, length_m, mean_scheduled_speed_kmh,
		 mean_actual_speed_kmh, mean_delay_min, std_delay_min, min_delay_min, max_delay_min, geometry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer seg.Close()
	for _, a := range m.SegmentAggregates {
		g, err := lineJSON(a.Geometry)
		if err != nil {
			return err
		}
		if _, err := seg.ExecContext(ctx, runID, a.RouteID, a.Stop1ID, a.Stop2ID, a.Period, a.DayType, a.Count,
			nullReal(a.LengthM), nullReal(a.MeanScheduledSpeedKmh), nullReal(a.MeanActualSpeedKmh), nullReal(a.MeanDelayMin),
			nullReal(a.StdDelayMin), nullReal(a.MinDelayMin), nullReal(a.MaxDelayMin), g); err != nil {
			return fmt.Errorf("insert segment metric: %w", err)
		}
	}

	for _, a := range m.StopDelayAggregates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stop_delay_metrics
			(run_id, route_id, stop_id, time_period, day_type, count, mean_delay_sec, std_delay_sec, min_delay_sec, max_delay_sec, on_time_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, a.RouteID, a.StopID, a.Period, a.DayType, a.Count, nullReal(a.MeanDelaySec), nullReal(a.StdDelaySec),
			nullReal(a.MinDelaySec), nullReal(a.MaxDelaySec), nullReal(a.OnTimePct)); err != nil {
			return fmt.Errorf("insert stop delay metric: %w", err)
		}
	}

	for _, a := range m.HeadwayAggregates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO headway_metrics
			(run_id, route_id, stop_id, time_period, day_type, count, mean_headway_min, std_headway_min, min_headway_min,
			 max_headway_min, bunched, good, acceptable, gap)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, a.RouteID, a.StopID, a.Period, a.DayType, a.Count, nullReal(a.MeanHeadwayMin), nullReal(a.StdHeadwayMin),
			nullReal(a.MinHeadwayMin), nullReal(a.MaxHeadwayMin), a.Bunched, a.Good, a.Acceptable, a.Gap); err != nil {
			return fmt.Errorf("insert headway metric: %w", err)
		}
	}

	for _, b := range m.Bunching {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bunching_summary
			(run_id, route_id, time_period, count, bunched, bunched_pct, mean_headway_min)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, b.RouteID, b.Period, b.Count, b.Bunched, nullReal(b.BunchedPct), nullReal(b.MeanHeadwayMin)); err != nil {
			return fmt.Errorf("insert bunching summary: %w", err)
		}
	}
	return nil
}

// Runs lists stored run ids, newest first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// nullReal maps NaN and infinities to NULL.
func nullReal(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func stamp(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func lineJSON(line geo.Polyline) (sql.NullString, error) {
	if len(line) < 2 {
		return sql.NullString{}, nil
	}
	coords := make([][]float64, len(line))
	for i, p := range line {
		coords[i] = []float64{p.Lon, p.Lat}
	}
	b, err := geojson.NewLineStringGeometry(coords).MarshalJSON()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
