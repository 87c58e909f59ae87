package export

import (
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"

	"gtfs-segmetrics/internal/aggregate"
)

const timeLayout = time.RFC3339

type observationRow struct {
	TripInstanceID       string  `csv:"trip_instance_id"`
	TripID               string  `csv:"trip_id"`
	RouteID              string  `csv:"route_id"`
	Stop1ID              string  `csv:"stop1_id"`
	Stop2ID              string  `csv:"stop2_id"`
	LengthM              float64 `csv:"length_m"`
	ScheduledDurationSec float64 `csv:"scheduled_duration_sec"`
	ActualDurationSec    float64 `csv:"actual_duration_sec"`
	ScheduledSpeedKmh    float64 `csv:"scheduled_speed_kmh"`
	ActualSpeedKmh       float64 `csv:"actual_speed_kmh"`
	DelayMinutes         float64 `csv:"delay_minutes"`
	Departure            string  `csv:"departure"`
	Arrival              string  `csv:"arrival"`
	Period               string  `csv:"time_period"`
	DayType              string  `csv:"day_type"`
	Occupancy            string  `csv:"occupancy"`
}

type segmentMetricRow struct {
	RouteID               string  `csv:"route_id"`
	Stop1ID               string  `csv:"stop1_id"`
	Stop2ID               string  `csv:"stop2_id"`
	Period                string  `csv:"time_period"`
	DayType               string  `csv:"day_type"`
	Count                 int     `csv:"count"`
	LengthM               float64 `csv:"length_m"`
	MeanScheduledSpeedKmh float64 `csv:"mean_scheduled_speed_kmh"`
	MeanActualSpeedKmh    float64 `csv:"mean_actual_speed_kmh"`
	MeanDelayMin          float64 `csv:"mean_delay_min"`
	StdDelayMin           float64 `csv:"std_delay_min"`
	MinDelayMin           float64 `csv:"min_delay_min"`
	MaxDelayMin           float64 `csv:"max_delay_min"`
}

type stopDelayMetricRow struct {
	RouteID      string  `csv:"route_id"`
	StopID       string  `csv:"stop_id"`
	Period       string  `csv:"time_period"`
	DayType      string  `csv:"day_type"`
	Count        int     `csv:"count"`
	MeanDelaySec float64 `csv:"mean_delay_sec"`
	StdDelaySec  float64 `csv:"std_delay_sec"`
	MinDelaySec  float64 `csv:"min_delay_sec"`
	MaxDelaySec  float64 `csv:"max_delay_sec"`
	OnTimePct    float64 `csv:"on_time_pct"`
}

type headwayMetricRow struct {
	RouteID        string  `csv:"route_id"`
	StopID         string  `csv:"stop_id"`
	Period         string  `csv:"time_period"`
	DayType        string  `csv:"day_type"`
	Count          int     `csv:"count"`
	MeanHeadwayMin float64 `csv:"mean_headway_min"`
	StdHeadwayMin  float64 `csv:"std_headway_min"`
	MinHeadwayMin  float64 `csv:"min_headway_min"`
	MaxHeadwayMin  float64 `csv:"max_headway_min"`
	Bunched        int     `csv:"bunched"`
	Good           int     `csv:"good"`
	Acceptable     int     `csv:"acceptable"`
	Gap            int     `csv:"gap"`
}

type bunchingRow struct {
	RouteID        string  `csv:"route_id"`
	Period         string  `csv:"time_period"`
	Count          int     `csv:"count"`
	Bunched        int     `csv:"bunched"`
	BunchedPct     float64 `csv:"bunched_pct"`
	MeanHeadwayMin float64 `csv:"mean_headway_min"`
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func writeCSV(path string, rows interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(rows, f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteObservations writes one row per segment observation.
func WriteObservations(path string, obs []aggregate.SegmentObservation) error {
	rows := make([]observationRow, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, observationRow{
			TripInstanceID:       o.TripInstanceID,
			TripID:               o.TripID,
			RouteID:              o.RouteID,
			Stop1ID:              o.Stop1ID,
			Stop2ID:              o.Stop2ID,
			LengthM:              o.LengthM,
			ScheduledDurationSec: o.ScheduledDurationSec,
			ActualDurationSec:    o.ActualDurationSec,
			ScheduledSpeedKmh:    o.ScheduledSpeedKmh,
			ActualSpeedKmh:       o.ActualSpeedKmh,
			DelayMinutes:         o.DelayMinutes,
			Departure:            stamp(o.Departure),
			Arrival:              stamp(o.Arrival),
			Period:               o.Period,
			DayType:              o.DayType,
			Occupancy:            o.Occupancy,
		})
	}
	return writeCSV(path, &rows)
}

func WriteSegmentMetrics(path string, aggs []aggregate.SegmentAggregate) error {
	rows := make([]segmentMetricRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, segmentMetricRow{
			RouteID:               a.RouteID,
			Stop1ID:               a.Stop1ID,
			Stop2ID:               a.Stop2ID,
			Period:                a.Period,
			DayType:               a.DayType,
			Count:                 a.Count,
			LengthM:               a.LengthM,
			MeanScheduledSpeedKmh: a.MeanScheduledSpeedKmh,
			MeanActualSpeedKmh:    a.MeanActualSpeedKmh,
			MeanDelayMin:          a.MeanDelayMin,
			StdDelayMin:           a.StdDelayMin,
			MinDelayMin:           a.MinDelayMin,
			MaxDelayMin:           a.MaxDelayMin,
		})
	}
	return writeCSV(path, &rows)
}

func WriteStopDelayMetrics(path string, aggs []aggregate.StopDelayAggregate) error {
	rows := make([]stopDelayMetricRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, stopDelayMetricRow(a))
	}
	return writeCSV(path, &rows)
}

func WriteHeadwayMetrics(path string, aggs []aggregate.HeadwayAggregate) error {
	rows := make([]headwayMetricRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, headwayMetricRow(a))
	}
	return writeCSV(path, &rows)
}

func WriteBunching(path string, sums []aggregate.BunchingSummary) error {
	rows := make([]bunchingRow, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, bunchingRow(s))
	}
	return writeCSV(path, &rows)
}

type occupancyRow struct {
	RouteID            string  `csv:"route_id"`
	Occupancy          string  `csv:"occupancy"`
	Period             string  `csv:"time_period"`
	Count              int     `csv:"count"`
	MeanDelayMin       float64 `csv:"mean_delay_min"`
	MeanActualSpeedKmh float64 `csv:"mean_actual_speed_kmh"`
}

func WriteOccupancyMetrics(path string, aggs []aggregate.OccupancyAggregate) error {
	rows := make([]occupancyRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, occupancyRow(a))
	}
	return writeCSV(path, &rows)
}
