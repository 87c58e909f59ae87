package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"gtfs-segmetrics/internal/db"
	"gtfs-segmetrics/internal/pipeline"
)

// withEnv wraps an action with environment setup and teardown.
func withEnv(publish bool, fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c, publish)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(c, e)
	}
}

func segmentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "segments",
		Usage: "cut every trip into stop-to-stop segments",
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			ctx := c.Context
			r, err := e.runner(ctx)
			if err != nil {
				return err
			}
			segs, err := r.BuildSegments(ctx)
			if err != nil {
				return err
			}
			return e.writeSegments(ctx, segs)
		}),
	}
}

func trajectoriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "trajectories",
		Usage: "lay scheduled segments out in time on a representative service date",
		Flags: []cli.Flag{dateFlag()},
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			ctx := c.Context
			r, err := e.runner(ctx)
			if err != nil {
				return err
			}
			policy, err := e.datePolicy(c, r.Schedule)
			if err != nil {
				return err
			}
			segs, err := r.BuildSegments(ctx)
			if err != nil {
				return err
			}
			trajs, err := r.BuildScheduledTrajectories(ctx, segs, policy)
			if err != nil {
				return err
			}
			_, err = e.store.WriteScheduledTrajectories(ctx, trajs.Trajectories)
			return err
		}),
	}
}

func liveCommand() *cli.Command {
	return &cli.Command{
		Name:  "live",
		Usage: "reduce vehicle position reports to one trajectory per trip instance",
		Flags: windowFlags(),
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			ctx := c.Context
			w, err := e.window(c)
			if err != nil {
				return err
			}
			r, err := e.runner(ctx)
			if err != nil {
				return err
			}
			lr, err := e.live(ctx, r, w)
			if err != nil {
				return err
			}
			_, err = e.store.WriteLiveTrajectories(ctx, lr.Trips)
			return err
		}),
	}
}

func matchCommand() *cli.Command {
	return &cli.Command{
		Name:  "match",
		Usage: "match live trajectories to scheduled stops",
		Flags: windowFlags(),
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			ctx := c.Context
			w, err := e.window(c)
			if err != nil {
				return err
			}
			r, err := e.runner(ctx)
			if err != nil {
				return err
			}
			lr, err := e.live(ctx, r, w)
			if err != nil {
				return err
			}
			mr, err := r.MatchArrivals(ctx, lr.Trips)
			if err != nil {
				return err
			}
			return e.writeMatch(ctx, mr)
		}),
	}
}

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "compute segment, stop delay, headway and occupancy metrics",
		Flags: append(windowFlags(), dateFlag()),
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			ctx := c.Context
			w, err := e.window(c)
			if err != nil {
				return err
			}
			date, err := e.scheduledDate(c, w)
			if err != nil {
				return err
			}
			r, err := e.runner(ctx)
			if err != nil {
				return err
			}
			segs, err := r.BuildSegments(ctx)
			if err != nil {
				return err
			}
			positions, err := db.LoadVehiclePositions(ctx, e.sqlDB, w.Since, w.Until, e.cfg.RouteSet(), e.cfg.Location)
			if err != nil {
				return err
			}
			updates, err := db.LoadTripUpdates(ctx, e.sqlDB, w.Since, w.Until, e.cfg.RouteSet())
			if err != nil {
				return err
			}
			lr, err := r.BuildLiveTrajectories(ctx, positions, w)
			if err != nil {
				return err
			}
			mr, err := r.MatchArrivals(ctx, lr.Trips)
			if err != nil {
				return err
			}
			res, err := r.ComputeMetrics(ctx, pipeline.MetricsInput{
				Segments:      segs,
				Match:         mr,
				Positions:     positions,
				TripUpdates:   updates,
				ScheduledDate: date,
			})
			if err != nil {
				return err
			}
			return e.writeMetrics(ctx, r, res)
		}),
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every stage, write all tables and publish the results",
		Flags: append(windowFlags(),
			dateFlag(),
			&cli.DurationFlag{Name: "every", Usage: "repeat on this interval, re-resolving the city database between runs"},
		),
		Action: withEnv(true, func(c *cli.Context, e *env) error {
			ctx := c.Context
			every := c.Duration("every")
			if every <= 0 {
				return e.runOnce(c)
			}

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				if err := e.runOnce(c); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Error().Err(err).Msg("run failed")
				}
				select {
				case <-ctx.Done():
					log.Info().Msg("shutdown complete")
					return nil
				case <-ticker.C:
				}
				if _, err := e.refresh(ctx); err != nil {
					log.Error().Err(err).Msg("database refresh failed")
				}
			}
		}),
	}
}

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "delete realtime rows older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "older-than", Value: 7 * 24 * time.Hour, Usage: "retention period"},
		},
		Action: withEnv(false, func(c *cli.Context, e *env) error {
			d := c.Duration("older-than")
			if d <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cutoff := time.Now().Add(-d)
			deleted, err := db.DeleteRealtimeBefore(c.Context, e.sqlDB, cutoff)
			if err != nil {
				return err
			}
			for table, n := range deleted {
				log.Info().Str("table", table).Int64("rows", n).Time("cutoff", cutoff).Msg("realtime rows deleted")
			}
			return nil
		}),
	}
}

func (e *env) runOnce(c *cli.Context) error {
	ctx := c.Context
	w, err := e.window(c)
	if err != nil {
		return err
	}
	date, err := e.scheduledDate(c, w)
	if err != nil {
		return err
	}
	r, err := e.runner(ctx)
	if err != nil {
		return err
	}
	policy, err := e.datePolicy(c, r.Schedule)
	if err != nil {
		return err
	}
	positions, err := db.LoadVehiclePositions(ctx, e.sqlDB, w.Since, w.Until, e.cfg.RouteSet(), e.cfg.Location)
	if err != nil {
		return err
	}
	updates, err := db.LoadTripUpdates(ctx, e.sqlDB, w.Since, w.Until, e.cfg.RouteSet())
	if err != nil {
		return err
	}

	res, err := r.RunAll(ctx, pipeline.RunInput{
		Positions:     positions,
		TripUpdates:   updates,
		Window:        w,
		DatePolicy:    policy,
		ScheduledDate: date,
	})
	if err != nil {
		return err
	}

	if err := e.writeSegments(ctx, res.Segments); err != nil {
		return err
	}
	if res.Trajectories != nil {
		if _, err := e.store.WriteScheduledTrajectories(ctx, res.Trajectories.Trajectories); err != nil {
			return err
		}
	}
	if _, err := e.store.WriteLiveTrajectories(ctx, res.Live.Trips); err != nil {
		return err
	}
	if err := e.writeMatch(ctx, res.Match); err != nil {
		return err
	}
	if err := e.writeMetrics(ctx, r, res.Metrics); err != nil {
		return err
	}

	if e.pub != nil {
		if err := e.pub.PublishRun(res, w); err != nil {
			log.Warn().Err(err).Msg("publishing run results failed")
		}
	}
	log.Info().
		Str("run_id", res.RunID).
		Int("live_trips", len(res.Live.Trips)).
		Int("observations", len(res.Metrics.Observations)).
		Int("excluded", res.Tally.Total()).
		Msg("run complete")
	return nil
}

func (e *env) live(ctx context.Context, r *pipeline.Runner, w pipeline.Window) (*pipeline.LiveResult, error) {
	positions, err := db.LoadVehiclePositions(ctx, e.sqlDB, w.Since, w.Until, e.cfg.RouteSet(), e.cfg.Location)
	if err != nil {
		return nil, err
	}
	return r.BuildLiveTrajectories(ctx, positions, w)
}

func (e *env) writeSegments(ctx context.Context, segs *pipeline.SegmentsResult) error {
	all := segs.All()
	e.metrics.SegmentsPerRun.Set(float64(len(all)))
	_, err := e.store.WriteSegments(ctx, all, segs.Sources)
	return err
}

func (e *env) writeMatch(ctx context.Context, mr *pipeline.MatchResult) error {
	if _, err := e.store.WriteStopArrivals(ctx, mr.Arrivals); err != nil {
		return err
	}
	_, err := e.store.WriteActualSegments(ctx, mr.Segments)
	return err
}

func (e *env) writeMetrics(ctx context.Context, r *pipeline.Runner, m *pipeline.MetricsResult) error {
	if _, err := e.store.WriteObservations(ctx, m.Observations); err != nil {
		return err
	}
	if _, err := e.store.WriteStopDelays(ctx, m.StopDelays); err != nil {
		return err
	}
	if _, err := e.store.WriteHeadways(ctx, r.Aggregator,
		db.HeadwaySet{Kind: db.HeadwayObserved, Headways: m.Headways},
		db.HeadwaySet{Kind: db.HeadwayTripUpdate, Headways: m.TripUpdateHeadways},
		db.HeadwaySet{Kind: db.HeadwayScheduled, Headways: m.ScheduledHeadways},
	); err != nil {
		return err
	}
	if _, err := e.store.WriteSegmentMetrics(ctx, m.SegmentAggregates); err != nil {
		return err
	}
	if _, err := e.store.WriteStopDelayMetrics(ctx, m.StopDelayAggregates); err != nil {
		return err
	}
	if _, err := e.store.WriteHeadwayMetrics(ctx, m.HeadwayAggregates); err != nil {
		return err
	}
	if _, err := e.store.WriteBunching(ctx, m.Bunching); err != nil {
		return err
	}
	_, err := e.store.WriteOccupancyMetrics(ctx, m.Occupancy, m.Correlations)
	return err
}
