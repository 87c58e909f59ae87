package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"gtfs-segmetrics/internal/quality"
)

type Collector struct {
	reg *prometheus.Registry

	StageRuns      *prometheus.CounterVec // stage, status=ok|error
	StageDuration  *prometheus.HistogramVec
	StageLastRun   *prometheus.GaugeVec // unix seconds of the last successful run
	Processed      *prometheus.CounterVec
	Exclusions     *prometheus.CounterVec // stage, reason
	RowsWritten    *prometheus.CounterVec // table
	SegmentsPerRun prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure

	PublishDuration prometheus.Histogram

	MatchRadius prometheus.Gauge
	Workers     prometheus.Gauge
}

func NewCollector(matchRadiusM float64, workers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmetrics_stage_runs_total",
			Help: "Pipeline stage runs by outcome.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segmetrics_stage_duration_seconds",
			Help:    "Wall time of a pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"stage"}),
		StageLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmetrics_stage_last_success_timestamp_seconds",
			Help: "Unix time of the last successful stage run.",
		}, []string{"stage"}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmetrics_processed_total",
			Help: "Trips or trip instances a stage produced output for.",
		}, []string{"stage"}),
		Exclusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmetrics_exclusions_total",
			Help: "Entities skipped for a data-quality reason.",
		}, []string{"stage", "reason"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmetrics_rows_written_total",
			Help: "Rows written to derived tables.",
		}, []string{"table"}),
		SegmentsPerRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmetrics_scheduled_segments",
			Help: "Scheduled segments produced by the last segments run.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmetrics_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "segmetrics_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmetrics_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "segmetrics_db_switches_total",
			Help: "Number of database switches.",
		}, []string{"reason"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "segmetrics_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		MatchRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmetrics_match_radius_meters",
			Help: "Stop matching radius in meters.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "segmetrics_workers",
			Help: "Per-trip worker pool size.",
		}),
	}

	// Register
	reg.MustRegister(
		c.StageRuns, c.StageDuration, c.StageLastRun,
		c.Processed, c.Exclusions, c.RowsWritten, c.SegmentsPerRun,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.DBSwitches, c.PublishDuration,
		c.MatchRadius, c.Workers,
	)

	c.MatchRadius.Set(matchRadiusM)
	c.Workers.Set(float64(workers))

	return c
}

// StageDone records one stage run: its duration, how many entities it
// produced and every exclusion counted in tally.
func (c *Collector) StageDone(stage string, d time.Duration, processed int, tally *quality.Tally, err error) {
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		c.StageRuns.WithLabelValues(stage, "error").Inc()
		return
	}
	c.StageRuns.WithLabelValues(stage, "ok").Inc()
	c.StageLastRun.WithLabelValues(stage).Set(float64(time.Now().Unix()))
	c.Processed.WithLabelValues(stage).Add(float64(processed))
	if tally == nil {
		return
	}
	for reason, n := range tally.Snapshot() {
		c.Exclusions.WithLabelValues(stage, string(reason)).Add(float64(n))
	}
}

func (c *Collector) RowsInc(table string, n int) {
	c.RowsWritten.WithLabelValues(table).Add(float64(n))
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
