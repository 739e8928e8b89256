package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/engine"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/model"
)

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "reconcile one external source against a table and push the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "table-id",
				Usage:    "tableId to sync",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "prefix",
				Usage:    "external source prefix (T_<prefix>/T_<prefix>_staging)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "external-id-column",
				Usage:    "column joining staging rows to existing rows",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "local sync mode: FULL, ONLY_NEW_RECORDS, ONLY_EXISTING_RECORDS",
				Value: string(model.SyncModeFull),
			},
			&cli.StringFlag{
				Name:  "principal",
				Usage: "principal recorded on rows this source pushes",
				Value: "localSync",
			},
			&cli.BoolFlag{
				Name:  "force-push",
				Usage: "source rowETags from the master row instead of rejecting conflicts",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := log.SubLogger(log.FromContext(ctx), cmd.Name)
			ctx = log.IntoContext(ctx, logger)

			tableID := cmd.String("table-id")

			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			opts := engine.SyncOptions{
				Sources: []engine.ExternalSource{
					{
						Prefix:           cmd.String("prefix"),
						ExternalIDColumn: cmd.String("external-id-column"),
						Mode:             model.LocalSyncMode(cmd.String("mode")),
						ForcePush:        cmd.Bool("force-push"),
						Principal:        cmd.String("principal"),
					},
				},
			}

			if err := e.Sync(ctx, tableID, opts); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			logger.Info("reconcile finished", "tableId", tableID, "prefix", opts.Sources[0].Prefix)
			return nil
		},
	}
}
