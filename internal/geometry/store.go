// Package geometry holds the reference polylines trips are measured against.
package geometry

import (
	"fmt"
	"sort"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
)

// Source tells where a trip's reference polyline came from.
type Source string

const (
	SourceShape Source = "shape"
	SourceStops Source = "stops"
)

// Store is an immutable set of shape polylines keyed by shape id. It is safe
// for concurrent readers.
type Store struct {
	shapes map[string]geo.Polyline
}

// NewStore orders each shape by point sequence and drops repeated vertices.
func NewStore(shapes map[string][]gtfs.ShapePoint) *Store {
	s := &Store{shapes: make(map[string]geo.Polyline, len(shapes))}
	for id, pts := range shapes {
		sorted := append([]gtfs.ShapePoint(nil), pts...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
		line := make(geo.Polyline, 0, len(sorted))
		for _, p := range sorted {
			pt := geo.Point{Lon: p.Lon, Lat: p.Lat}
			if n := len(line); n > 0 && line[n-1] == pt {
				continue
			}
			line = append(line, pt)
		}
		s.shapes[id] = line
	}
	return s
}

func (s *Store) Len() int { return len(s.shapes) }

// Shape returns the polyline of a shape id. Callers must not modify it.
func (s *Store) Shape(id string) (geo.Polyline, bool) {
	line, ok := s.shapes[id]
	return line, ok
}

// ReferencePolyline returns the polyline segments of trip are cut from: its
// shape when it has a shape key, otherwise the straight path through its
// stops in sequence order. A shape key unknown to the store fails with
// quality.ErrMissingReferenceData. A known shape is returned as is, even when
// it has fewer than 2 vertices; the segment builder rejects it as degenerate.
func (s *Store) ReferencePolyline(trip gtfs.Trip, visits []gtfs.StopVisit) (geo.Polyline, Source, error) {
	if trip.ShapeID == "" {
		return StopPolyline(visits), SourceStops, nil
	}
	line, ok := s.shapes[trip.ShapeID]
	if !ok {
		return nil, SourceShape, fmt.Errorf("trip %s: shape %q not found: %w", trip.TripID, trip.ShapeID, quality.ErrMissingReferenceData)
	}
	return line, SourceShape, nil
}

// StopPolyline joins the stop locations of visits in stop sequence order.
func StopPolyline(visits []gtfs.StopVisit) geo.Polyline {
	ordered := append([]gtfs.StopVisit(nil), visits...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StopSequence < ordered[j].StopSequence })
	line := make(geo.Polyline, 0, len(ordered))
	for _, v := range ordered {
		p := v.Point()
		if n := len(line); n > 0 && line[n-1] == p {
			continue
		}
		line = append(line, p)
	}
	return line
}
