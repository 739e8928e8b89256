package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/config"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/remote"
)

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "push static app/table files from a local directory to the server's file endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "root",
				Usage:    "local directory to walk",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "publish mode: app, file, table, table_html_js",
				Value: string(remote.PublishApp),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := log.SubLogger(log.FromContext(ctx), cmd.Name)
			ctx = log.IntoContext(ctx, logger)

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			conn, err := remote.New(cfg.Server.URL, cfg.Server.AppID, cfg.Server.Username, cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("build connection: %w", err)
			}

			root := cmd.String("root")
			mode := remote.PublishMode(cmd.String("mode"))

			if err := remote.NewPublisher(conn).Publish(ctx, root, mode); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			logger.Info("publish finished", "root", root, "mode", mode)
			return nil
		},
	}
}
