// Package reconcile implements the External-Source Reconciler (§4.3):
// bulk snapshot -> hashed comparison -> new/modified/unchanged
// classification -> UUID/audit-metadata backfill -> ready for push.
package reconcile

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/storage"
)

// Engine reconciles one external-source prefix against one table's
// master copy.
type Engine struct {
	db *storage.DB
}

func New(db *storage.DB) *Engine { return &Engine{db: db} }

// Options configures one Reconcile call.
type Options struct {
	Prefix           string
	ExternalIDColumn string
	Mode             model.LocalSyncMode
	CurrentLocalETag string
}

// Reconcile runs the procedure of §4.3 against T_<prefix> and
// T_<prefix>_staging for def.TableID.
func (e *Engine) Reconcile(ctx context.Context, def *model.Definition, opts Options) error {
	extTbl, err := storage.QuoteIdent(def.TableID + "_" + opts.Prefix)
	if err != nil {
		return err
	}
	stagingTbl, err := storage.QuoteIdent(def.TableID + "_" + opts.Prefix + "_staging")
	if err != nil {
		return err
	}
	masterTbl, err := storage.QuoteIdent(def.TableID)
	if err != nil {
		return err
	}
	extIDCol, err := storage.QuoteIdent(opts.ExternalIDColumn)
	if err != nil {
		return err
	}

	if err := e.rejectPendingChanges(ctx, extTbl, def.TableID, opts.Prefix); err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hashable := model.HashableColumns(def)
	allCols := allRelationColumns(def)
	masterColList := joinQuoted(allCols)

	// Step 1: copy rows from master not yet present in T_<ext>.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (%s)
		select %s from %s m
		where not exists (select 1 from %s e where e.id = m.id);
	`, extTbl, masterColList, masterColList, masterTbl, extTbl)); err != nil {
		return fmt.Errorf("reconcile: copy master rows into %s_%s: %w", def.TableID, opts.Prefix, err)
	}

	// Step 2: recompute hash on T_<ext>.
	if err := recomputeHashes(ctx, tx, extTbl, hashable); err != nil {
		return err
	}

	// Step 3: classify staging rows.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`update %s set state = null, deleted = coalesce(deleted, 0)`, stagingTbl)); err != nil {
		return fmt.Errorf("reconcile: reset staging state: %w", err)
	}

	if err := joinAgainstExisting(ctx, tx, stagingTbl, extTbl, masterTbl, extIDCol); err != nil {
		return err
	}
	if err := recomputeHashes(ctx, tx, stagingTbl, hashable); err != nil {
		return err
	}
	if err := demoteUnchanged(ctx, tx, stagingTbl, extTbl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`update %s set state = 'new', createUser = 'localSync' where state is null`, stagingTbl)); err != nil {
		return fmt.Errorf("reconcile: mark new rows: %w", err)
	}

	// Step 4: audit metadata on new/modified rows.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		update %s set
			savepointTimestamp = ?,
			savepointCreator = 'localSync',
			savepointType = 'COMPLETE',
			formId = 'localSync',
			lastUpdateUser = 'localSync',
			dataETagAtModification = ?
		where state in ('new', 'modified');
	`, stagingTbl), now, opts.CurrentLocalETag); err != nil {
		return fmt.Errorf("reconcile: stamp audit metadata: %w", err)
	}

	// Step 5: fill missing id/rowETag.
	if err := fillUUIDs(ctx, tx, stagingTbl); err != nil {
		return err
	}

	// Step 6: mode filter and merge into T_<ext>.
	if err := applyModeAndMerge(ctx, tx, stagingTbl, extTbl, opts.Mode, masterColList); err != nil {
		return err
	}

	return tx.Commit()
}

func (e *Engine) rejectPendingChanges(ctx context.Context, extTbl, tableID, prefix string) error {
	var count int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		`select count(*) from %s where state is not null and state not in ('unchanged', 'synced')`, extTbl)).Scan(&count)
	if err != nil {
		return fmt.Errorf("reconcile: check pending changes on %s_%s: %w", tableID, prefix, err)
	}
	if count > 0 {
		return fmt.Errorf("reconcile: %s_%s has %d pending rows: %w", tableID, prefix, count, errs.ErrPendingLocalChanges)
	}
	return nil
}

// joinAgainstExisting resolves id/rowETag for each staging row by
// joining on the external id column, first against T_<ext>, then
// against the master table, marking resolved rows modified.
func joinAgainstExisting(ctx context.Context, tx *sql.Tx, stagingTbl, extTbl, masterTbl, extIDCol string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		update %s set
			id = (select e.id from %s e where e.%s = %s.%s),
			rowETag = (select e.rowETag from %s e where e.%s = %s.%s),
			state = 'modified'
		where exists (select 1 from %s e where e.%s = %s.%s);
	`, stagingTbl, extTbl, extIDCol, stagingTbl, extIDCol,
		extTbl, extIDCol, stagingTbl, extIDCol,
		extTbl, extIDCol, stagingTbl, extIDCol)); err != nil {
		return fmt.Errorf("reconcile: join staging against external table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		update %s set
			id = (select m.id from %s m where m.%s = %s.%s),
			rowETag = (select m.rowETag from %s m where m.%s = %s.%s),
			state = 'modified'
		where state is null and exists (select 1 from %s m where m.%s = %s.%s);
	`, stagingTbl, masterTbl, extIDCol, stagingTbl, extIDCol,
		masterTbl, extIDCol, stagingTbl, extIDCol,
		masterTbl, extIDCol, stagingTbl, extIDCol)); err != nil {
		return fmt.Errorf("reconcile: join staging against master table: %w", err)
	}
	return nil
}

// recomputeHashes computes the row hash over hashable columns for
// every row of table and stores it in the hash column. SQLite has no
// built-in md5, so this is done row-by-row in Go rather than in SQL.
func recomputeHashes(ctx context.Context, tx *sql.Tx, table string, hashable []string) error {
	colList := joinQuoted(hashable)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`select rowid, %s from %s`, colList, table))
	if err != nil {
		return fmt.Errorf("reconcile: read %s for hashing: %w", table, err)
	}

	type update struct {
		rowid int64
		hash  string
	}
	var updates []update
	for rows.Next() {
		dest := make([]any, 1+len(hashable))
		var rowid int64
		dest[0] = &rowid
		vals := make([]sql.NullString, len(hashable))
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return err
		}
		values := map[string]any{}
		for i, name := range hashable {
			values[name] = vals[i].String
		}
		updates = append(updates, update{rowid: rowid, hash: hashColumns(values, hashable)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`update %s set hash = ? where rowid = ?`, table), u.hash, u.rowid); err != nil {
			return fmt.Errorf("reconcile: write hash into %s: %w", table, err)
		}
	}
	return nil
}

func hashColumns(values map[string]any, hashable []string) string {
	keys := append([]string{}, hashable...)
	sort.Strings(keys)
	h := md5.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, values[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// demoteUnchanged drops a staging row's state to unchanged when its
// hash matches the T_<ext> row sharing the same id.
func demoteUnchanged(ctx context.Context, tx *sql.Tx, stagingTbl, extTbl string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		update %s set state = 'unchanged'
		where state = 'modified' and exists (
			select 1 from %s e where e.id = %s.id and e.hash = %s.hash
		);
	`, stagingTbl, extTbl, stagingTbl, stagingTbl))
	if err != nil {
		return fmt.Errorf("reconcile: demote unchanged rows: %w", err)
	}
	return nil
}

// fillUUIDs backfills missing id and rowETag values on staging rows
// headed for new/modified, since a truly new external record carries
// neither.
func fillUUIDs(ctx context.Context, tx *sql.Tx, stagingTbl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`select rowid, id, rowETag from %s where state in ('new', 'modified')`, stagingTbl))
	if err != nil {
		return fmt.Errorf("reconcile: scan staging rows for uuid backfill: %w", err)
	}

	type fill struct {
		rowid       int64
		id, rowETag string
	}
	var fills []fill
	for rows.Next() {
		var rowid int64
		var id, rowETag sql.NullString
		if err := rows.Scan(&rowid, &id, &rowETag); err != nil {
			rows.Close()
			return err
		}
		f := fill{rowid: rowid, id: id.String, rowETag: rowETag.String}
		if f.id == "" {
			f.id = uuid.NewString()
		}
		if f.rowETag == "" {
			f.rowETag = uuid.NewString()
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, f := range fills {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`update %s set id = ?, rowETag = ? where rowid = ?`, stagingTbl),
			f.id, f.rowETag, f.rowid); err != nil {
			return fmt.Errorf("reconcile: backfill uuid: %w", err)
		}
	}
	return nil
}

// applyModeAndMerge deletes T_<ext> rows that reappear in staging,
// subject to the localSyncMode filter, then copies the surviving
// staging rows in.
func applyModeAndMerge(ctx context.Context, tx *sql.Tx, stagingTbl, extTbl string, mode model.LocalSyncMode, masterColList string) error {
	var keepStates []string
	switch mode {
	case model.SyncModeOnlyNewRecords:
		keepStates = []string{"new"}
	case model.SyncModeOnlyExistingRecords:
		keepStates = []string{"modified", "unchanged"}
	default:
		keepStates = []string{"new", "modified", "unchanged"}
	}
	stateList := "'" + strings.Join(keepStates, "', '") + "'"

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		delete from %s where id in (select id from %s where state in (%s));
	`, extTbl, stagingTbl, stateList)); err != nil {
		return fmt.Errorf("reconcile: clear superseded external rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (%s, state, hash)
		select %s, state, hash from %s where state in (%s);
	`, extTbl, masterColList, masterColList, stagingTbl, stateList)); err != nil {
		return fmt.Errorf("reconcile: merge staging into external table: %w", err)
	}
	return nil
}

func allRelationColumns(def *model.Definition) []string {
	return append([]string{"id", "rowETag", "dataETagAtModification",
		"savepointTimestamp", "savepointCreator", "savepointType",
		"createUser", "lastUpdateUser", "formId", "locale",
		"defaultAccess", "rowOwner", "groupReadOnly", "groupModify", "groupPrivileged",
		"deleted"}, columnKeys(def)...)
}

func columnKeys(def *model.Definition) []string {
	var out []string
	for _, c := range def.Materialized() {
		out = append(out, c.ElementKey)
	}
	return out
}

func joinQuoted(names []string) string {
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		q, err := storage.QuoteIdent(n)
		if err != nil {
			q = `"` + n + `"`
		}
		b.WriteString(q)
	}
	return b.String()
}
