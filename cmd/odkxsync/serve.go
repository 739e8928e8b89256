package main

import (
	"context"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/engine"
	"sync.odk-x.org/engine/log"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run sync on a fixed interval and expose a status endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "table-id",
				Usage:    "tableId to sync",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "status endpoint listen address",
				Value: "127.0.0.1:5446",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "time between sync runs",
				Value: 5 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "telemetry",
				Usage: "report sync duration and status-endpoint traffic over OpenTelemetry",
			},
			&cli.BoolFlag{
				Name:  "telemetry-dev",
				Usage: "print telemetry to stdout instead of exporting over OTLP",
				Value: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := log.SubLogger(log.FromContext(ctx), cmd.Name)
			ctx = log.IntoContext(ctx, logger)

			tableID := cmd.String("table-id")
			interval := cmd.Duration("interval")

			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			if cmd.Bool("telemetry") {
				t, err := engine.NewTelemetry(ctx, "odkxsync", versioninfo.Short(), cmd.Bool("telemetry-dev"))
				if err != nil {
					return err
				}
				defer t.Shutdown(context.WithoutCancel(ctx))
				e = e.WithTelemetry(t)
			}

			go func() {
				handler := e.StatusHandler(logger)
				logger.Error("status server exited", "error", http.ListenAndServe(cmd.String("listen-addr"), handler))
			}()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			runOnce := func() {
				if err := e.Sync(ctx, tableID, engine.SyncOptions{}); err != nil {
					logger.Error("sync run failed", "tableId", tableID, "error", err)
					return
				}
				logger.Info("sync run complete", "tableId", tableID)
			}

			runOnce()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					runOnce()
				}
			}
		},
	}
}
