package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/log"
)

func main() {
	cmd := &cli.Command{
		Name:  "odkxsync",
		Usage: "ODK-X sync engine driver",
		Commands: []*cli.Command{
			syncCommand(),
			reconcileCommand(),
			migrateCommand(),
			serveCommand(),
			publishCommand(),
			versionCommand(),
		},
	}

	logger := log.New("odkxsync")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, err := os.Stdout.WriteString(versioninfo.Short() + "\n")
			return err
		},
	}
}
