// Package migrator implements the schema migration pipeline of §4.9:
// compare an old and new definition, archive the old table's local
// relations, provision the new one, and replay the old table's full
// edit history into it.
package migrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sync.odk-x.org/engine/cache"
	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/pull"
	"sync.odk-x.org/engine/push"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

// Report is the column-compatibility analysis step 1 produces.
type Report struct {
	DeletedColumns       []string
	NewColumns           []string
	CommonColumns        []string
	TypeIncompatibilities map[string][2]model.ElementType // column -> (old, new)
}

func (r Report) HasIncompatibilities() bool { return len(r.TypeIncompatibilities) > 0 }

// CompareDefinitions computes the report comparing an old and new
// table definition's materialized columns.
func CompareDefinitions(old, new_ *model.Definition) Report {
	oldCols := map[string]model.Column{}
	for _, c := range old.Materialized() {
		oldCols[c.ElementKey] = c
	}
	newCols := map[string]model.Column{}
	for _, c := range new_.Materialized() {
		newCols[c.ElementKey] = c
	}

	r := Report{TypeIncompatibilities: map[string][2]model.ElementType{}}
	for k, oc := range oldCols {
		nc, ok := newCols[k]
		if !ok {
			r.DeletedColumns = append(r.DeletedColumns, k)
			continue
		}
		r.CommonColumns = append(r.CommonColumns, k)
		if oc.ElementType != nc.ElementType {
			r.TypeIncompatibilities[k] = [2]model.ElementType{oc.ElementType, nc.ElementType}
		}
	}
	for k := range newCols {
		if _, ok := oldCols[k]; !ok {
			r.NewColumns = append(r.NewColumns, k)
		}
	}
	return r
}

// Options configures one migration run.
type Options struct {
	OldTableID      string
	NewTableID      string
	NewDefinition   *model.Definition
	ColumnMapping   map[string]string // newCol -> oldCol
	Force           bool
	StrictColumns   bool
	CopyAttachments bool
	AttachmentRoot  string
}

// Migrator drives the pipeline.
type Migrator struct {
	db   *storage.DB
	conn *remote.Connection
	defs *cache.DefinitionCache
	pull *pull.Engine
}

func New(db *storage.DB, conn *remote.Connection, defs *cache.DefinitionCache, pullEngine *pull.Engine) *Migrator {
	return &Migrator{db: db, conn: conn, defs: defs, pull: pullEngine}
}

// Migrate compares the two definitions, pulls the old table to
// freshness, archives its local relations, provisions the new table
// locally, replays the archived history into it and, when asked,
// copies the attachment directory. It does not create the new table on
// the server: history replay writes to the server table NewTableID as
// it already exists.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (Report, error) {
	logger := log.SubLogger(log.FromContext(ctx), "migrator")

	if opts.OldTableID == opts.NewTableID {
		return Report{}, errs.ErrSameTableMigration
	}

	oldDef, err := m.defs.Get(ctx, opts.OldTableID)
	if err != nil {
		return Report{}, fmt.Errorf("migrator: load cached definition for %s: %w", opts.OldTableID, err)
	}

	report := CompareDefinitions(oldDef, opts.NewDefinition)
	if report.HasIncompatibilities() && !opts.Force {
		return report, fmt.Errorf("migrator: %d incompatible column types between %s and %s, rerun with force",
			len(report.TypeIncompatibilities), opts.OldTableID, opts.NewTableID)
	}

	logger.Info("pulling old table to freshness", "tableId", opts.OldTableID)
	if _, err := m.pull.Pull(ctx, oldDef, pull.Options{NoAttachments: true}); err != nil {
		return report, fmt.Errorf("migrator: pull %s to freshness: %w", opts.OldTableID, err)
	}

	archivePrefix, err := storage.ArchiveTables(ctx, m.db, opts.OldTableID)
	if err != nil {
		return report, fmt.Errorf("migrator: archive %s: %w", opts.OldTableID, err)
	}
	logger.Info("archived old tables", "tableId", opts.OldTableID, "prefix", archivePrefix)

	provisioner := storage.NewProvisioner(m.db)
	if err := provisioner.Provision(ctx, opts.NewDefinition); err != nil {
		return report, fmt.Errorf("migrator: provision %s: %w", opts.NewTableID, err)
	}

	if err := m.defs.Put(ctx, opts.NewDefinition); err != nil {
		return report, fmt.Errorf("migrator: cache new definition %s: %w", opts.NewTableID, err)
	}

	revTable := opts.NewTableID + "_rev"
	if err := m.provisionRevTable(ctx, revTable); err != nil {
		return report, err
	}

	pushEngine := push.New(m.db, m.conn)
	historyTable := archivePrefix + "_log"
	logger.Info("replaying history", "source", historyTable, "destination", opts.NewTableID)
	if err := pushEngine.PushHistory(ctx, opts.NewDefinition, push.HistoryOptions{
		SourceTable:   historyTable,
		RevTable:      revTable,
		Mapping:       opts.ColumnMapping,
		StrictColumns: opts.StrictColumns,
	}); err != nil {
		return report, fmt.Errorf("migrator: replay history from %s: %w", historyTable, err)
	}

	if opts.CopyAttachments && opts.AttachmentRoot != "" {
		if err := copyAttachmentDir(opts.AttachmentRoot, opts.OldTableID, opts.NewTableID); err != nil {
			return report, fmt.Errorf("migrator: copy attachment directory: %w", err)
		}
	}

	return report, nil
}

func (m *Migrator) provisionRevTable(ctx context.Context, revTable string) error {
	q, err := storage.QuoteIdent(revTable)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text not null,
			rowETag text not null
		);
	`, q))
	if err != nil {
		return fmt.Errorf("migrator: provision %s: %w", revTable, err)
	}
	return nil
}

func copyAttachmentDir(root, oldTableID, newTableID string) error {
	src := filepath.Join(root, oldTableID)
	dst := filepath.Join(root, newTableID)
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
