package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"gtfs-segmetrics/internal/aggregate"
	"gtfs-segmetrics/internal/config"
	"gtfs-segmetrics/internal/db"
	"gtfs-segmetrics/internal/gtfs"
	"gtfs-segmetrics/internal/matcher"
	"gtfs-segmetrics/internal/metrics"
	"gtfs-segmetrics/internal/pipeline"
	"gtfs-segmetrics/internal/publisher"
	"gtfs-segmetrics/internal/trajectory"
)

const connectTimeout = 30 * time.Second

// env is what every subcommand runs against: config, the city database,
// the metrics collector and an optional NATS publisher.
type env struct {
	cfg     *config.Config
	metrics *metrics.Collector
	srv     *http.Server
	dbName  string
	sqlDB   *sql.DB
	store   *db.Store
	pub     *publisher.NATSPublisher
}

func setup(c *cli.Context, publish bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if ids := c.StringSlice("route-id"); len(ids) > 0 {
		cfg.RouteIDs = config.SplitList(strings.Join(ids, ","))
	}
	if n := c.Int("workers"); n > 0 {
		cfg.Workers = n
	}

	e := &env{cfg: cfg, metrics: metrics.NewCollector(cfg.Thresholds.MatchRadiusM, cfg.Workers)}
	if cfg.MetricsAddr != "" {
		e.srv = e.metrics.Serve(cfg.MetricsAddr)
	}

	if err := e.connect(c.Context); err != nil {
		e.close()
		return nil, err
	}

	if publish && cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, e.metrics)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		e.pub = pub
	}
	return e, nil
}

// connect resolves the city database (when CITY is set) and opens it.
func (e *env) connect(ctx context.Context) error {
	dsn, err := db.ResolveDSN(ctx, e.cfg.DatabaseURL, e.cfg.City)
	if err != nil {
		return err
	}
	sqlDB, err := db.OpenWithRetry(ctx, dsn, connectTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", db.Redact(dsn), err)
	}
	if e.sqlDB != nil {
		e.sqlDB.Close()
	}
	e.sqlDB = sqlDB
	e.dbName = db.DBName(dsn)
	e.store = db.NewStore(sqlDB, e.metrics)
	log.Info().Str("database", e.dbName).Str("city", e.cfg.City).Msg("database connected")
	return nil
}

// refresh switches to a newer city import or reconnects after a failed
// ping. It reports whether the connection changed.
func (e *env) refresh(ctx context.Context) (bool, error) {
	reason := ""
	if err := db.Ping(ctx, e.sqlDB); err != nil {
		log.Warn().Err(err).Msg("db ping failed, re-resolving")
		reason = "ping_failure"
	}
	if e.cfg.City != "" && reason == "" {
		dsn, err := db.ResolveDSN(ctx, e.cfg.DatabaseURL, e.cfg.City)
		if err != nil {
			return false, err
		}
		if name := db.DBName(dsn); name != "" && name != e.dbName {
			log.Info().Str("from", e.dbName).Str("to", name).Msg("newer import detected")
			reason = "update"
		}
	}
	if reason == "" {
		return false, nil
	}
	if err := e.connect(ctx); err != nil {
		return false, err
	}
	e.metrics.DBSwitches.WithLabelValues(reason).Inc()
	return true, nil
}

func (e *env) close() {
	if e.pub != nil {
		e.pub.Close()
	}
	if e.sqlDB != nil {
		e.sqlDB.Close()
	}
	if e.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.srv.Shutdown(ctx)
	}
}

// runner loads the schedule and builds a pipeline over it.
func (e *env) runner(ctx context.Context) (*pipeline.Runner, error) {
	routes := e.cfg.RouteSet()
	s, err := db.LoadSchedule(ctx, e.sqlDB, routes, e.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	th := e.cfg.Thresholds
	m := matcher.New(th.MatchRadiusM, e.cfg.SnapToShape)
	agg := aggregate.New(th.Limits(), e.cfg.Location)
	r := pipeline.New(s, m, agg, e.cfg.Workers, routes, e.metrics)
	log.Info().Str("run_id", r.RunID).Int("trips", len(s.Trips)).Msg("pipeline ready")
	return r, nil
}

func (e *env) datePolicy(c *cli.Context, s *gtfs.Schedule) (trajectory.DatePolicy, error) {
	if v := c.String("date"); v != "" {
		d, err := parseDay(v, e.cfg.Location)
		if err != nil {
			return nil, err
		}
		return trajectory.FixedDate{Date: d}, nil
	}
	return trajectory.EarliestActive{
		Calendars: s.Calendars,
		From:      e.cfg.ServiceDateFrom,
		To:        e.cfg.ServiceDateTo,
		Location:  e.cfg.Location,
	}, nil
}

// window is --since/--until when given, else the trailing --hours (or
// WINDOW_HOURS) ending at --until or now.
func (e *env) window(c *cli.Context) (pipeline.Window, error) {
	loc := e.cfg.Location
	until := time.Now().In(loc)
	if v := c.String("until"); v != "" {
		t, err := parseInstant(v, loc)
		if err != nil {
			return pipeline.Window{}, fmt.Errorf("--until: %w", err)
		}
		until = t
	}
	if v := c.String("since"); v != "" {
		since, err := parseInstant(v, loc)
		if err != nil {
			return pipeline.Window{}, fmt.Errorf("--since: %w", err)
		}
		w := pipeline.Window{Since: since, Until: until}
		return w, w.Validate()
	}
	d := e.cfg.Window
	if h := c.Float64("hours"); h > 0 {
		d = time.Duration(h * float64(time.Hour))
	}
	w := pipeline.Trailing(until, d)
	return w, w.Validate()
}

// scheduledDate is the day scheduled headways are computed on: --date, else
// the local day the window ends on.
func (e *env) scheduledDate(c *cli.Context, w pipeline.Window) (time.Time, error) {
	if v := c.String("date"); v != "" {
		return parseDay(v, e.cfg.Location)
	}
	return gtfs.Midnight(w.Until.In(e.cfg.Location)), nil
}

func parseInstant(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
}

func parseDay(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "since", Usage: "window start (RFC3339 or local YYYY-MM-DDTHH:MM:SS)"},
		&cli.StringFlag{Name: "until", Usage: "window end, defaults to now"},
		&cli.Float64Flag{Name: "hours", Usage: "trailing window length when --since is not given (overrides WINDOW_HOURS)"},
	}
}

func dateFlag() cli.Flag {
	return &cli.StringFlag{Name: "date", Usage: "service date (YYYY-MM-DD) for scheduled trajectories and headways"}
}
