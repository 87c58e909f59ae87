package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/quality"
)

func TestStageDone(t *testing.T) {
	c := NewCollector(10, 4)

	var tally quality.Tally
	tally.Add(quality.ReasonNoNearbyStops, 3)
	tally.Inc(quality.ReasonDuplicateReport)

	c.StageDone("match", 2*time.Second, 12, &tally, nil)
	c.StageDone("match", time.Second, 0, nil, errors.New("db down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.StageRuns.WithLabelValues("match", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StageRuns.WithLabelValues("match", "error")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.Processed.WithLabelValues("match")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Exclusions.WithLabelValues("match", "no_nearby_stops")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Exclusions.WithLabelValues("match", "duplicate_report")))
	assert.Positive(t, testutil.ToFloat64(c.StageLastRun.WithLabelValues("match")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.MatchRadius))
}

func TestPublisherHooks(t *testing.T) {
	c := NewCollector(10, 1)
	c.NATSSetConnected(true)
	c.NATSPublishedInc()
	c.NATSPublishedInc()
	c.NATSPublishErrInc()
	c.RowsInc("segments", 40)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.NATSPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSPublishErrs))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.RowsWritten.WithLabelValues("segments")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(10, 2)
	c.RowsInc("segments", 1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "segmetrics_rows_written_total")
	assert.Contains(t, string(body), "segmetrics_workers 2")
}
