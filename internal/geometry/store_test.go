package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/geo"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/quality"
)

func TestNewStoreOrdersAndDedupes(t *testing.T) {
	s := NewStore(map[string][]gtfs.ShapePoint{
		"S1": {
			{Lat: 50.2, Lon: 4.2, Sequence: 3},
			{Lat: 50.0, Lon: 4.0, Sequence: 1},
			{Lat: 50.0, Lon: 4.0, Sequence: 2},
		},
	})
	line, ok := s.Shape("S1")
	require.True(t, ok)
	assert.Equal(t, geo.Polyline{{Lon: 4.0, Lat: 50.0}, {Lon: 4.2, Lat: 50.2}}, line)
	assert.Equal(t, 1, s.Len())
}

func TestReferencePolyline(t *testing.T) {
	s := NewStore(map[string][]gtfs.ShapePoint{
		"S1":  {{Lat: 50, Lon: 4, Sequence: 1}, {Lat: 51, Lon: 4, Sequence: 2}},
		"ONE": {{Lat: 50, Lon: 4, Sequence: 1}, {Lat: 50, Lon: 4, Sequence: 2}},
	})
	visits := []gtfs.StopVisit{
		{StopSequence: 2, StopLat: 50.5, StopLon: 4.1},
		{StopSequence: 1, StopLat: 50.0, StopLon: 4.0},
		{StopSequence: 3, StopLat: 50.9, StopLon: 4.2},
	}
	stopsLine := geo.Polyline{{Lon: 4.0, Lat: 50.0}, {Lon: 4.1, Lat: 50.5}, {Lon: 4.2, Lat: 50.9}}

	line, src, err := s.ReferencePolyline(gtfs.Trip{TripID: "T", ShapeID: "S1"}, visits)
	require.NoError(t, err)
	assert.Equal(t, SourceShape, src)
	assert.Len(t, line, 2)

	line, src, err = s.ReferencePolyline(gtfs.Trip{TripID: "T"}, visits)
	require.NoError(t, err)
	assert.Equal(t, SourceStops, src)
	assert.Equal(t, stopsLine, line)
}

func TestReferencePolylineKeepsDegenerateShape(t *testing.T) {
	s := NewStore(map[string][]gtfs.ShapePoint{
		"ONE": {{Lat: 50, Lon: 4, Sequence: 1}, {Lat: 50, Lon: 4, Sequence: 2}},
	})
	visits := []gtfs.StopVisit{
		{StopSequence: 1, StopLat: 50.0, StopLon: 4.0},
		{StopSequence: 2, StopLat: 50.5, StopLon: 4.1},
	}
	line, src, err := s.ReferencePolyline(gtfs.Trip{TripID: "T", ShapeID: "ONE"}, visits)
	require.NoError(t, err)
	assert.Equal(t, SourceShape, src)
	assert.Equal(t, geo.Polyline{{Lon: 4, Lat: 50}}, line)
}

func TestReferencePolylineUnknownShape(t *testing.T) {
	s := NewStore(nil)
	visits := []gtfs.StopVisit{
		{StopSequence: 1, StopLat: 50.0, StopLon: 4.0},
		{StopSequence: 2, StopLat: 50.5, StopLon: 4.1},
	}
	line, _, err := s.ReferencePolyline(gtfs.Trip{TripID: "T", ShapeID: "MISSING"}, visits)
	assert.ErrorIs(t, err, quality.ErrMissingReferenceData)
	assert.Nil(t, line)
}
