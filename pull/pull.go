// Package pull implements the Pull Engine (§4.2): cursor-paginated
// diff fetch into staging, master merge, log append, and status
// update, all inside one transaction, followed by an attachment
// sub-sync outside it.
package pull

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sync.odk-x.org/engine/attachments"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

const defaultFetchLimit = 500

// Engine runs pulls for one server table against one local database.
type Engine struct {
	db     *storage.DB
	conn   *remote.Connection
	syncer *attachments.Syncer
}

func New(db *storage.DB, conn *remote.Connection, syncer *attachments.Syncer) *Engine {
	return &Engine{db: db, conn: conn, syncer: syncer}
}

// Options configures one Pull call.
type Options struct {
	NoAttachments bool
}

// Result reports what a Pull call did.
type Result struct {
	NewDataETag string
	Changed     bool
}

// Pull compares the remote dataETag against status_table's high-water
// mark for tableID and, if they differ, drains the diff into staging,
// merges it into the master table, appends every new revision to the
// log, and advances status_table — atomically. When they already
// match, only an attachment sub-sync runs.
func (e *Engine) Pull(ctx context.Context, def *model.Definition, opts Options) (Result, error) {
	logger := log.SubLogger(log.FromContext(ctx), "pull")

	info, err := e.conn.TableInfo(ctx, def.TableID)
	if err != nil {
		return Result{}, fmt.Errorf("pull: fetch table info for %s: %w", def.TableID, err)
	}

	localETag, err := e.highWaterMark(ctx, def.TableID)
	if err != nil {
		return Result{}, err
	}

	if localETag == info.DataETag && localETag != "" {
		logger.Debug("no new data", "tableId", def.TableID, "dataETag", localETag)
		if !opts.NoAttachments {
			return Result{NewDataETag: localETag}, e.runAttachmentSync(ctx, def)
		}
		return Result{NewDataETag: localETag}, nil
	}

	newETag, err := e.pullTransaction(ctx, def, localETag)
	if err != nil {
		return Result{}, err
	}

	logger.Info("pull complete", "tableId", def.TableID, "dataETag", newETag)

	if !opts.NoAttachments {
		if err := e.runAttachmentSync(ctx, def); err != nil {
			return Result{NewDataETag: newETag, Changed: true}, err
		}
	}
	return Result{NewDataETag: newETag, Changed: true}, nil
}

func (e *Engine) highWaterMark(ctx context.Context, tableID string) (string, error) {
	var etag string
	err := e.db.QueryRowContext(ctx, `
		select data_etag from status_table
		where table_name = ? order by sync_date desc limit 1;
	`, tableID).Scan(&etag)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pull: read high-water mark for %s: %w", tableID, err)
	}
	return etag, nil
}

func (e *Engine) pullTransaction(ctx context.Context, def *model.Definition, localETag string) (string, error) {
	tbl, err := storage.QuoteIdent(def.TableID)
	if err != nil {
		return "", err
	}
	stagingTbl, err := storage.QuoteIdent(def.TableID + "_staging")
	if err != nil {
		return "", err
	}
	logTbl, err := storage.QuoteIdent(def.TableID + "_log")
	if err != nil {
		return "", err
	}

	cols := def.Materialized()
	colNames, err := quotedNames(cols)
	if err != nil {
		return "", err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("delete from %s", stagingTbl)); err != nil {
		return "", fmt.Errorf("pull: truncate staging for %s: %w", def.TableID, err)
	}

	newETag, err := e.drainDiff(ctx, tx, def, stagingTbl, colNames, localETag)
	if err != nil {
		return "", err
	}

	if err := e.mergeIntoMaster(ctx, tx, tbl, stagingTbl, colNames); err != nil {
		return "", err
	}

	if err := e.appendLog(ctx, tx, logTbl, stagingTbl, colNames); err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into status_table (table_name, data_etag, sync_date) values (?, ?, ?);
	`, def.TableID, newETag, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("pull: update status_table for %s: %w", def.TableID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("pull: commit for %s: %w", def.TableID, err)
	}
	return newETag, nil
}

// drainDiff streams every diff page into staging and returns the
// dataETag of the last non-empty page.
func (e *Engine) drainDiff(ctx context.Context, tx *sql.Tx, def *model.Definition, quotedStaging string, colNames []string, localETag string) (string, error) {
	insertCols := append([]string{"id", "rowETag", "dataETagAtModification",
		"savepointTimestamp", "savepointCreator", "savepointType",
		"createUser", "lastUpdateUser", "formId", "locale",
		"defaultAccess", "rowOwner", "groupReadOnly", "groupModify", "groupPrivileged",
		"deleted"}, colNames...)

	placeholders := make([]string, len(insertCols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertStmt := fmt.Sprintf("insert into %s (%s) values (%s)", quotedStaging, joinQuoted(insertCols), joinStrings(placeholders))

	cursor := ""
	newETag := localETag
	for {
		page, err := e.conn.Diff(ctx, def.TableID, def.SchemaETag, localETag, cursor, defaultFetchLimit)
		if err != nil {
			return "", fmt.Errorf("pull: fetch diff page for %s: %w", def.TableID, err)
		}

		for _, r := range page.Rows {
			values := []any{
				r.ID, r.RowETag, r.DataETagAtModification,
				r.SavepointTimestamp, r.SavepointCreator, r.SavepointType,
				r.CreateUser, r.LastUpdateUser, r.FormID, r.Locale,
				orDefault(r.FilterScope.DefaultAccess, "FULL"), r.FilterScope.RowOwner,
				r.FilterScope.GroupReadOnly, r.FilterScope.GroupModify, r.FilterScope.GroupPrivileged,
				r.Deleted,
			}
			colValues := map[string]any{}
			for _, oc := range r.OrderedColumns {
				colValues[oc.Column] = oc.Value
			}
			for _, c := range def.Materialized() {
				values = append(values, colValues[c.ElementKey])
			}
			if _, err := tx.ExecContext(ctx, insertStmt, values...); err != nil {
				return "", fmt.Errorf("pull: stage row %s: %w", r.ID, err)
			}
		}

		if len(page.Rows) > 0 {
			newETag = page.DataETag
		}
		if !page.HasMoreResults {
			break
		}
		cursor = page.Cursor
	}
	return newETag, nil
}

// mergeIntoMaster deletes every id present in staging from the master
// table, then reinserts the single highest-ranked revision per id —
// ranked by savepointTimestamp, tie-broken by rowETag descending —
// marked sync_attachments.
func (e *Engine) mergeIntoMaster(ctx context.Context, tx *sql.Tx, quotedMaster, quotedStaging string, colNames []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		delete from %s where id in (select distinct id from %s)
	`, quotedMaster, quotedStaging)); err != nil {
		return fmt.Errorf("pull: delete superseded master rows: %w", err)
	}

	allCols := append([]string{"id", "rowETag", "dataETagAtModification",
		"savepointTimestamp", "savepointCreator", "savepointType",
		"createUser", "lastUpdateUser", "formId", "locale",
		"defaultAccess", "rowOwner", "groupReadOnly", "groupModify", "groupPrivileged",
		"deleted"}, colNames...)
	colList := joinQuoted(allCols)

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (%s, state)
		select %s, 'sync_attachments' from (
			select *, row_number() over (
				partition by id
				order by savepointTimestamp desc, rowETag desc
			) as rn
			from %s
		) ranked
		where rn = 1;
	`, quotedMaster, colList, colList, quotedStaging)); err != nil {
		return fmt.Errorf("pull: merge staging into master: %w", err)
	}
	return nil
}

// appendLog copies every staging row into the log whose rowETag is
// not already present there, deduping replayed revisions.
func (e *Engine) appendLog(ctx context.Context, tx *sql.Tx, quotedLog, quotedStaging string, colNames []string) error {
	allCols := append([]string{"id", "rowETag", "dataETagAtModification",
		"savepointTimestamp", "savepointCreator", "savepointType",
		"createUser", "lastUpdateUser", "formId", "locale",
		"defaultAccess", "rowOwner", "groupReadOnly", "groupModify", "groupPrivileged",
		"deleted"}, colNames...)
	colList := joinQuoted(allCols)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (%s)
		select %s from %s s
		where not exists (select 1 from %s l where l.rowETag = s.rowETag);
	`, quotedLog, colList, colList, quotedStaging, quotedLog))
	if err != nil {
		return fmt.Errorf("pull: append log: %w", err)
	}
	return nil
}

func (e *Engine) runAttachmentSync(ctx context.Context, def *model.Definition) error {
	if e.syncer == nil {
		return nil
	}
	return e.syncer.Pull(ctx, def.TableID, def.SchemaETag, def, "state")
}

func quotedNames(cols []model.Column) ([]string, error) {
	out := make([]string, len(cols))
	for i, c := range cols {
		if _, err := storage.Ident(c.ElementKey); err != nil {
			return nil, err
		}
		out[i] = c.ElementKey
	}
	return out, nil
}

func joinQuoted(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		q, err := storage.QuoteIdent(n)
		if err != nil {
			// names here are already validated by quotedNames or are
			// fixed system-column literals; this path never triggers.
			q = `"` + n + `"`
		}
		out += q
	}
	return out
}

func joinStrings(s []string) string {
	out := ""
	for i, v := range s {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
