// Package engine is the top-level orchestrator tying storage, cache,
// remote, pull, reconcile, push, attachments, and migrator together
// behind the control flow of §2: pull, attachment sub-sync, external
// reconciliation, push, attachment sub-sync, pull again.
package engine

import (
	"context"
	"database/sql"
	"fmt"

	"sync.odk-x.org/engine/attachments"
	"sync.odk-x.org/engine/cache"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/migrator"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/pull"
	"sync.odk-x.org/engine/push"
	"sync.odk-x.org/engine/reconcile"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

// Engine owns every collaborator a sync needs for one database and
// one remote connection.
type Engine struct {
	db    *storage.DB
	conn  *remote.Connection
	defs  *cache.DefinitionCache
	store attachments.Store

	pull      *pull.Engine
	reconcile *reconcile.Engine
	push      *push.Engine
	migrator  *migrator.Migrator
	syncer    *attachments.Syncer

	telemetry *Telemetry
}

// Dependencies bundles the constructor arguments an Engine needs.
type Dependencies struct {
	DB              *storage.DB
	Connection      *remote.Connection
	AttachmentStore attachments.Store
}

func New(deps Dependencies) (*Engine, error) {
	defs, err := cache.NewDefinitionCache(deps.DB)
	if err != nil {
		return nil, fmt.Errorf("engine: new definition cache: %w", err)
	}

	syncer := attachments.NewSyncer(deps.DB, deps.Connection, deps.AttachmentStore)

	e := &Engine{
		db:        deps.DB,
		conn:      deps.Connection,
		defs:      defs,
		store:     deps.AttachmentStore,
		pull:      pull.New(deps.DB, deps.Connection, syncer),
		reconcile: reconcile.New(deps.DB),
		push:      push.New(deps.DB, deps.Connection),
		syncer:    syncer,
	}
	e.migrator = migrator.New(deps.DB, deps.Connection, defs, e.pull)
	return e, nil
}

// ExternalSource configures one reconcile+push cycle over a named
// external-source prefix.
type ExternalSource struct {
	Prefix           string
	ExternalIDColumn string
	Mode             model.LocalSyncMode
	ForcePush        bool
	Principal        string
}

// SyncOptions configures one full Sync call.
type SyncOptions struct {
	Sources []ExternalSource
}

// Sync runs one complete cycle for tableID: pull, attachment pull
// (folded into Pull), and external reconciliation and push for each
// configured source. When at least one source is configured it then
// runs an attachment push and a closing pull to absorb whatever the
// push produced; with no sources the cycle ends after the first pull.
func (e *Engine) Sync(ctx context.Context, tableID string, opts SyncOptions) error {
	return e.telemetry.instrumentSync(ctx, tableID, func(ctx context.Context) error {
		return e.sync(ctx, tableID, opts)
	})
}

func (e *Engine) sync(ctx context.Context, tableID string, opts SyncOptions) error {
	logger := log.SubLogger(log.FromContext(ctx), "engine")

	def, err := e.resolveDefinition(ctx, tableID)
	if err != nil {
		return err
	}

	if _, err := e.pull.Pull(ctx, def, pull.Options{}); err != nil {
		return fmt.Errorf("engine: initial pull of %s: %w", tableID, err)
	}

	for _, src := range opts.Sources {
		localETag, err := e.currentDataETag(ctx, tableID)
		if err != nil {
			return err
		}

		if err := e.reconcile.Reconcile(ctx, def, reconcile.Options{
			Prefix:           src.Prefix,
			ExternalIDColumn: src.ExternalIDColumn,
			Mode:             src.Mode,
			CurrentLocalETag: localETag,
		}); err != nil {
			return fmt.Errorf("engine: reconcile %s/%s: %w", tableID, src.Prefix, err)
		}

		pushed, err := e.push.Push(ctx, def, push.Options{
			LocalTable:           tableID + "_" + src.Prefix,
			Principal:            src.Principal,
			ForcePush:            src.ForcePush,
			CurrentLocalDataETag: localETag,
		})
		if err != nil {
			return fmt.Errorf("engine: push %s/%s: %w", tableID, src.Prefix, err)
		}
		e.telemetry.recordRowsPushed(ctx, tableID, pushed)
	}

	if len(opts.Sources) > 0 {
		if err := e.syncer.Push(ctx, tableID, def.SchemaETag, def, "state"); err != nil {
			return fmt.Errorf("engine: attachment push for %s: %w", tableID, err)
		}
		if _, err := e.pull.Pull(ctx, def, pull.Options{}); err != nil {
			return fmt.Errorf("engine: closing pull of %s: %w", tableID, err)
		}
	}

	logger.Info("sync complete", "tableId", tableID)
	return nil
}

// HasIncomingChanges compares the remote and local dataETag for
// tableID without performing a pull, so a caller can decide whether a
// sync is worth running.
func (e *Engine) HasIncomingChanges(ctx context.Context, tableID string) (bool, error) {
	info, err := e.conn.TableInfo(ctx, tableID)
	if err != nil {
		return false, fmt.Errorf("engine: fetch remote table info for %s: %w", tableID, err)
	}
	local, err := e.currentDataETag(ctx, tableID)
	if err != nil {
		return false, err
	}
	return local != info.DataETag, nil
}

// ResetLocalChanges truncates T_<prefix>'s pending new/modified/conflict
// rows, the documented escape hatch after a PendingLocalChanges or
// UnresolvedConflicts error.
func (e *Engine) ResetLocalChanges(ctx context.Context, tableID, prefix string) error {
	tbl, err := storage.QuoteIdent(tableID + "_" + prefix)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, fmt.Sprintf(
		`delete from %s where state in ('new', 'modified', 'conflict')`, tbl))
	if err != nil {
		return fmt.Errorf("engine: reset local changes on %s_%s: %w", tableID, prefix, err)
	}
	return nil
}

// StageExternalRecord inserts one row into T_<prefix>_staging without
// requiring the caller to bulk-load a dataframe first.
func (e *Engine) StageExternalRecord(ctx context.Context, tableID, prefix string, fields map[string]any) error {
	stagingTbl, err := storage.QuoteIdent(tableID + "_" + prefix + "_staging")
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for k, v := range fields {
		q, err := storage.QuoteIdent(k)
		if err != nil {
			return err
		}
		cols = append(cols, q)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}

	stmt := fmt.Sprintf("insert into %s (%s) values (%s)", stagingTbl, join(cols), join(placeholders))
	if _, err := e.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("engine: stage external record into %s_%s: %w", tableID, prefix, err)
	}
	return nil
}

// Migrate delegates to the migrator package.
func (e *Engine) Migrate(ctx context.Context, opts migrator.Options) (migrator.Report, error) {
	return e.migrator.Migrate(ctx, opts)
}

// ResolveDefinition fetches, provisions, and caches tableID's
// definition, exposed so callers building migrator.Options can supply
// opts.NewDefinition without reaching into engine internals.
func (e *Engine) ResolveDefinition(ctx context.Context, tableID string) (*model.Definition, error) {
	return e.resolveDefinition(ctx, tableID)
}

func (e *Engine) resolveDefinition(ctx context.Context, tableID string) (*model.Definition, error) {
	info, err := e.conn.TableInfo(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch table info for %s: %w", tableID, err)
	}

	if def, err := e.defs.Get(ctx, tableID); err == nil && def.SchemaETag == info.SchemaETag {
		return def, nil
	}

	doc, err := e.conn.Definition(ctx, tableID, info.SchemaETag)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch definition for %s: %w", tableID, err)
	}
	def := toModelDefinition(doc)

	provisioner := storage.NewProvisioner(e.db)
	if err := provisioner.Provision(ctx, def); err != nil {
		return nil, fmt.Errorf("engine: provision %s: %w", tableID, err)
	}
	if err := e.defs.Put(ctx, def); err != nil {
		return nil, fmt.Errorf("engine: cache definition for %s: %w", tableID, err)
	}
	return def, nil
}

func (e *Engine) currentDataETag(ctx context.Context, tableID string) (string, error) {
	var etag string
	err := e.db.QueryRowContext(ctx, `
		select data_etag from status_table
		where table_name = ? order by sync_date desc limit 1;
	`, tableID).Scan(&etag)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: read current dataETag for %s: %w", tableID, err)
	}
	return etag, nil
}

// toModelDefinition converts the flat wire shape of a table definition
// into the parent/children-by-index column arena the rest of the
// engine operates on.
func toModelDefinition(doc *remote.DefinitionDoc) *model.Definition {
	indexByKey := make(map[string]int, len(doc.Columns))
	for i, c := range doc.Columns {
		indexByKey[c.ElementKey] = i
	}

	cols := make([]model.Column, len(doc.Columns))
	for i, c := range doc.Columns {
		parent := -1
		if c.ParentKey != "" {
			if p, ok := indexByKey[c.ParentKey]; ok {
				parent = p
			}
		}
		cols[i] = model.Column{
			ElementKey:  c.ElementKey,
			ElementName: c.ElementName,
			ElementType: model.ElementType(c.ElementType),
			Parent:      parent,
			Properties:  c.Properties,
		}
	}
	for i, c := range doc.Columns {
		for _, childKey := range c.ListChildElementKeys {
			if ci, ok := indexByKey[childKey]; ok {
				cols[i].Children = append(cols[i].Children, ci)
			}
		}
	}

	return &model.Definition{TableID: doc.TableID, SchemaETag: doc.SchemaETag, Columns: cols}
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
