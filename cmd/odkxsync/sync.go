package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/attachments"
	"sync.odk-x.org/engine/config"
	"sync.odk-x.org/engine/engine"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "pull a table, reconcile and push configured external sources, pull again",
		Description: `
	Environment variables:
		ODKX_SERVER_URL       (required)
		ODKX_SERVER_APP_ID    (required)
		ODKX_SERVER_USERNAME  (required)
		ODKX_SERVER_PASSWORD  (required)
		ODKX_LOCAL_DB_PATH         (default: odkxsync.db)
		ODKX_LOCAL_ATTACHMENT_ROOT (default: attachments)
		ODKX_LOCAL_MANGLE_COLONS   (default: false)
		ODKX_SYNC_STRICT_COLUMNS   (default: false)
	`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "table-id",
				Usage:    "tableId to sync",
				Required: true,
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

			if err := e.Sync(ctx, tableID, engine.SyncOptions{}); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			logger.Info("sync finished", "tableId", tableID)
			return nil
		},
	}
}

func buildEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(cfg.Local.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn, err := remote.New(cfg.Server.URL, cfg.Server.AppID, cfg.Server.Username, cfg.Server.Password)
	if err != nil {
		return nil, fmt.Errorf("build connection: %w", err)
	}

	store := attachments.NewFileStore(cfg.Local.AttachmentRoot, cfg.Local.MangleColons)

	e, err := engine.New(engine.Dependencies{DB: db, Connection: conn, AttachmentStore: store})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return e, nil
}
