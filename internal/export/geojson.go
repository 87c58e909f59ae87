// Package export writes run outputs to files: GeoJSON for anything with a
// geometry, CSV for the flat tables.
package export

import (
	"fmt"
	"math"
	"os"

	geojson "github.com/paulmach/go.geojson"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/segment"
)

func coords(line geo.Polyline) [][]float64 {
	out := make([][]float64, len(line))
	for i, p := range line {
		out[i] = []float64{p.Lon, p.Lat}
	}
	return out
}

// number keeps NaN and infinities out of the JSON encoder.
func number(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// SegmentsFeatureCollection renders scheduled segments as LineStrings.
// bearing_deg is the heading from the first stop to the second. Segments with
// fewer than two vertices are skipped.
func SegmentsFeatureCollection(segs []segment.Segment) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range segs {
		if len(s.Geometry) < 2 {
			continue
		}
		f := geojson.NewLineStringFeature(coords(s.Geometry))
		f.SetProperty("trip_id", s.TripID)
		f.SetProperty("route_id", s.RouteID)
		f.SetProperty("stop1_id", s.Stop1ID)
		f.SetProperty("stop2_id", s.Stop2ID)
		f.SetProperty("stop1_sequence", s.Stop1Sequence)
		f.SetProperty("stop2_sequence", s.Stop2Sequence)
		f.SetProperty("duration_sec", s.DurationSec)
		f.SetProperty("length_m", number(s.LengthM))
		f.SetProperty("start_perc", number(s.StartPerc))
		f.SetProperty("end_perc", number(s.EndPerc))
		f.SetProperty("bearing_deg", number(geo.Bearing(s.Geometry[0], s.Geometry[len(s.Geometry)-1])))
		fc.AddFeature(f)
	}
	return fc
}

// SegmentMetricsFeatureCollection renders per-segment aggregates.
func SegmentMetricsFeatureCollection(aggs []aggregate.SegmentAggregate) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, a := range aggs {
		if len(a.Geometry) < 2 {
			continue
		}
		f := geojson.NewLineStringFeature(coords(a.Geometry))
		f.SetProperty("route_id", a.RouteID)
		f.SetProperty("stop1_id", a.Stop1ID)
		f.SetProperty("stop2_id", a.Stop2ID)
		f.SetProperty("time_period", a.Period)
		f.SetProperty("day_type", a.DayType)
		f.SetProperty("count", a.Count)
		f.SetProperty("length_m", number(a.LengthM))
		f.SetProperty("mean_scheduled_speed_kmh", number(a.MeanScheduledSpeedKmh))
		f.SetProperty("mean_actual_speed_kmh", number(a.MeanActualSpeedKmh))
		f.SetProperty("mean_delay_min", number(a.MeanDelayMin))
		f.SetProperty("std_delay_min", number(a.StdDelayMin))
		f.SetProperty("min_delay_min", number(a.MinDelayMin))
		f.SetProperty("max_delay_min", number(a.MaxDelayMin))
		fc.AddFeature(f)
	}
	return fc
}

// WriteGeoJSON writes fc to path.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection) error {
	b, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return os.WriteFile(path, b, 0o644)
}
