package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/migrator"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "migrate a table to a new definition and replay its edit history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "old-table-id",
				Usage:    "tableId currently holding the local data",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "new-table-id",
				Usage:    "tableId of the migrated definition",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "column-mapping",
				Usage: "newColumn=oldColumn pairs for renamed columns, repeatable",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "proceed despite incompatible column type changes",
			},
			&cli.BoolFlag{
				Name:  "strict-columns",
				Usage: "fail history replay on any unmapped source column instead of skipping it",
			},
			&cli.BoolFlag{
				Name:  "copy-attachments",
				Usage: "copy the old table's attachment directory to the new tableId",
			},
			&cli.StringFlag{
				Name:  "attachment-root",
				Usage: "attachment root directory, only consulted with --copy-attachments",
				Value: "attachments",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := log.SubLogger(log.FromContext(ctx), cmd.Name)
			ctx = log.IntoContext(ctx, logger)

			oldTableID := cmd.String("old-table-id")
			newTableID := cmd.String("new-table-id")

			mapping, err := parseColumnMapping(cmd.StringSlice("column-mapping"))
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			e, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			newDef, err := e.ResolveDefinition(ctx, newTableID)
			if err != nil {
				return fmt.Errorf("migrate: resolve new definition %s: %w", newTableID, err)
			}

			report, err := e.Migrate(ctx, migrator.Options{
				OldTableID:      oldTableID,
				NewTableID:      newTableID,
				NewDefinition:   newDef,
				ColumnMapping:   mapping,
				Force:           cmd.Bool("force"),
				StrictColumns:   cmd.Bool("strict-columns"),
				CopyAttachments: cmd.Bool("copy-attachments"),
				AttachmentRoot:  cmd.String("attachment-root"),
			})
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			logger.Info("migration finished",
				"oldTableId", oldTableID,
				"newTableId", newTableID,
				"deletedColumns", report.DeletedColumns,
				"newColumns", report.NewColumns,
				"typeIncompatibilities", len(report.TypeIncompatibilities))
			return nil
		},
	}
}

func parseColumnMapping(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	mapping := make(map[string]string, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid column mapping %q, want newColumn=oldColumn", p)
		}
		mapping[parts[0]] = parts[1]
	}
	return mapping, nil
}
