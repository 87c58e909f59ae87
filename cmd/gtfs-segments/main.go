package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/config"
	"gtfs-segmetrics/internal/export"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/localstore"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/pipeline"
	"gtfs-segmetrics/internal/realtime"
	"gtfs-segmetrics/internal/static"
	"gtfs-segmetrics/internal/trajectory"
)

type options struct {
	feed       string
	output     string
	realtime   []string
	routes     []string
	tz         string
	date       string
	since      string
	until      string
	sqlite     string
	thresholds string
	noSnap     bool
	workers    int
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "gtfs-segments - cut a GTFS feed into stop-to-stop segments and measure GTFS-RT snapshots against them\n\nUsage:\n\n  %s [<options>] <input GTFS>\n\nAllowed options:\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	var o options
	flag.StringVarP(&o.output, "output", "o", "segmetrics-out", "output directory for GeoJSON and CSV files")
	flag.StringSliceVarP(&o.realtime, "rt", "r", nil, "GTFS-RT .pb snapshot files or directories of them")
	flag.StringSliceVar(&o.routes, "route-id", nil, "only process these route ids")
	flag.StringVar(&o.tz, "tz", "UTC", "time zone of the feed")
	flag.StringVar(&o.date, "date", "", "service date (YYYY-MM-DD) for scheduled trajectories and headways, default: earliest active date")
	flag.StringVar(&o.since, "since", "", "ignore reports before this instant (RFC3339)")
	flag.StringVar(&o.until, "until", "", "ignore reports after this instant (RFC3339)")
	flag.StringVar(&o.sqlite, "sqlite", "", "also store the run in this SQLite file")
	flag.StringVar(&o.thresholds, "thresholds", "", "YAML file overriding matching and plausibility thresholds")
	flag.BoolVar(&o.noSnap, "no-snap", false, "match raw positions instead of snapping them to the shape first")
	flag.IntVarP(&o.workers, "workers", "j", runtime.GOMAXPROCS(0), "per-trip worker pool size")
	debug := flag.BoolP("verbose", "v", false, "debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if *debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	o.feed = flag.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run(ctx context.Context, o options) error {
	loc, err := time.LoadLocation(o.tz)
	if err != nil {
		return fmt.Errorf("invalid --tz: %w", err)
	}
	th := config.DefaultThresholds()
	if o.thresholds != "" {
		if th, err = config.LoadThresholds(o.thresholds); err != nil {
			return err
		}
	}
	routes := config.RouteSet(o.routes)

	s, err := static.Load(o.feed, routes, loc)
	if err != nil {
		return err
	}
	dec := &realtime.Decoder{Schedule: s, Location: loc}
	var positions []gtfs.LivePositionReport
	var updates []gtfs.TripUpdateReport
	if len(o.realtime) > 0 {
		snaps, err := dec.ReadSnapshots(o.realtime...)
		if err != nil {
			return err
		}
		positions, updates = realtime.Flatten(snaps)
		log.Info().Int("snapshots", len(snaps)).Int("positions", len(positions)).Int("stop_time_updates", len(updates)).Msg("realtime loaded")
	}

	w, err := window(o, positions, loc)
	if err != nil {
		return err
	}
	var policy trajectory.DatePolicy = trajectory.EarliestActive{Calendars: s.Calendars, Location: loc}
	var scheduledDate time.Time
	if o.date != "" {
		d, err := time.ParseInLocation("2006-01-02", o.date, loc)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		policy, scheduledDate = trajectory.FixedDate{Date: d}, d
	} else if !w.Until.IsZero() {
		scheduledDate = gtfs.Midnight(w.Until.In(loc))
	}

	r := pipeline.New(s, matcher.New(th.MatchRadiusM, !o.noSnap), aggregate.New(th.Limits(), loc), o.workers, routes, nil)
	res, err := r.RunAll(ctx, pipeline.RunInput{
		Positions:     positions,
		TripUpdates:   updates,
		Window:        w,
		DatePolicy:    policy,
		ScheduledDate: scheduledDate,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(o.output, 0o755); err != nil {
		return err
	}
	out := func(name string) string { return filepath.Join(o.output, name) }
	m := res.Metrics
	steps := []struct {
		name string
		fn   func() error
	}{
		{"segments.geojson", func() error {
			return export.WriteGeoJSON(out("segments.geojson"), export.SegmentsFeatureCollection(res.Segments.All()))
		}},
		{"segment_metrics.geojson", func() error {
			return export.WriteGeoJSON(out("segment_metrics.geojson"), export.SegmentMetricsFeatureCollection(m.SegmentAggregates))
		}},
		{"segment_observations.csv", func() error { return export.WriteObservations(out("segment_observations.csv"), m.Observations) }},
		{"segment_metrics.csv", func() error { return export.WriteSegmentMetrics(out("segment_metrics.csv"), m.SegmentAggregates) }},
		{"stop_delay_metrics.csv", func() error {
			return export.WriteStopDelayMetrics(out("stop_delay_metrics.csv"), m.StopDelayAggregates)
		}},
		{"headway_metrics.csv", func() error { return export.WriteHeadwayMetrics(out("headway_metrics.csv"), m.HeadwayAggregates) }},
		{"bunching_summary.csv", func() error { return export.WriteBunching(out("bunching_summary.csv"), m.Bunching) }},
		{"occupancy_metrics.csv", func() error { return export.WriteOccupancyMetrics(out("occupancy_metrics.csv"), m.Occupancy) }},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			return fmt.Errorf("write %s: %w", st.name, err)
		}
	}

	if o.sqlite != "" {
		store, err := localstore.Open(ctx, o.sqlite)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.WriteRun(ctx, res, w); err != nil {
			return err
		}
	}

	log.Info().
		Str("run_id", res.RunID).
		Str("output", o.output).
		Int("segments", len(res.Segments.All())).
		Int("live_trips", len(res.Live.Trips)).
		Int("observations", len(m.Observations)).
		Int("excluded", res.Tally.Total()).
		Msg("done")
	return nil
}

// window is --since/--until, each defaulting to the extent of the loaded
// reports. Without reports or flags it spans the last hour.
func window(o options, positions []gtfs.LivePositionReport, loc *time.Location) (pipeline.Window, error) {
	var w pipeline.Window
	for _, p := range positions {
		if w.Since.IsZero() || p.Timestamp.Before(w.Since) {
			w.Since = p.Timestamp
		}
		if p.Timestamp.After(w.Until) {
			w.Until = p.Timestamp
		}
	}
	if o.since != "" {
		t, err := time.ParseInLocation(time.RFC3339, o.since, loc)
		if err != nil {
			return w, fmt.Errorf("invalid --since: %w", err)
		}
		w.Since = t
	}
	if o.until != "" {
		t, err := time.ParseInLocation(time.RFC3339, o.until, loc)
		if err != nil {
			return w, fmt.Errorf("invalid --until: %w", err)
		}
		w.Until = t
	}
	if w.Since.IsZero() && w.Until.IsZero() {
		w = pipeline.Trailing(time.Now().In(loc), time.Hour)
	}
	if w.Since.Equal(w.Until) {
		w.Until = w.Until.Add(time.Second)
	}
	return w, w.Validate()
}
