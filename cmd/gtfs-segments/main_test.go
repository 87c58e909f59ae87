package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/gtfs"
)

func TestWindowFromReports(t *testing.T) {
	t0 := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	positions := []gtfs.LivePositionReport{{Timestamp: t0.Add(5 * time.Minute)}, {Timestamp: t0}, {Timestamp: t0.Add(2 * time.Minute)}}

	w, err := window(options{}, positions, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0, w.Since)
	assert.Equal(t, t0.Add(5*time.Minute), w.Until)

	w, err = window(options{since: "2025-03-04T08:01:00Z"}, positions, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), w.Since)

	_, err = window(options{since: "2025-03-04T09:00:00Z"}, positions, time.UTC)
	assert.Error(t, err, "inverted window")

	_, err = window(options{until: "tomorrow"}, nil, time.UTC)
	assert.Error(t, err)
}

func TestRunOfflineFeed(t *testing.T) {
	out := t.TempDir()
	o := options{
		feed:    filepath.Join("..", "..", "internal", "static", "testdata", "feed"),
		output:  out,
		tz:      "UTC",
		date:    "2025-03-05",
		sqlite:  filepath.Join(out, "runs.db"),
		workers: 2,
	}
	require.NoError(t, run(context.Background(), o))

	for _, name := range []string{"segments.geojson", "segment_metrics.geojson", "segment_observations.csv", "headway_metrics.csv"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
	_, err := os.Stat(o.sqlite)
	assert.NoError(t, err)
}
