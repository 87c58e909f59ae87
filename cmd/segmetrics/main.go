package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "time/tzdata"
)

func main() {
	if os.Getenv("SEGMETRICS_LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	if os.Getenv("SEGMETRICS_DEBUG") == "YES" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	app := &cli.App{
		Name:  "segmetrics",
		Usage: "segment GTFS trips and measure live service against the schedule",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "route-id",
				Usage: "restrict every stage to these route ids (overrides TARGET_ROUTE_IDS)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "per-trip worker pool size (overrides WORKERS)",
			},
		},
		Commands: []*cli.Command{
			segmentsCommand(),
			trajectoriesCommand(),
			liveCommand(),
			matchCommand(),
			metricsCommand(),
			runCommand(),
			cleanCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
