// Package push implements the Push Engine in both its normal mode
// (§4.4) and history-replay mode (§4.5).
package push

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

const chunkSize = 10

// Engine pushes local changes for one external-source table to the
// server.
type Engine struct {
	db   *storage.DB
	conn *remote.Connection
}

func New(db *storage.DB, conn *remote.Connection) *Engine { return &Engine{db: db, conn: conn} }

// Options configures one normal-mode Push call.
type Options struct {
	LocalTable           string // T_<ext>
	Principal            string // connection user, used to default missing audit fields
	ForcePush            bool
	CurrentLocalDataETag string
}

// Push runs §4.4: reject on unresolved conflicts, build the payload
// from rows in state new/modified, send one alter-rows RPC, and
// classify the response. It returns the number of rows sent, 0 when
// there was nothing pending.
func (e *Engine) Push(ctx context.Context, def *model.Definition, opts Options) (int, error) {
	logger := log.SubLogger(log.FromContext(ctx), "push")

	localTbl, err := storage.QuoteIdent(opts.LocalTable)
	if err != nil {
		return 0, err
	}

	if err := e.rejectConflicts(ctx, localTbl, opts.LocalTable); err != nil {
		return 0, err
	}

	rows, err := e.buildPayload(ctx, def, localTbl, opts)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		logger.Debug("nothing to push", "table", opts.LocalTable)
		return 0, nil
	}

	resp, err := e.conn.AlterRows(ctx, def.TableID, def.SchemaETag, remote.AlterRowsRequest{
		Rows:     rows,
		DataETag: opts.CurrentLocalDataETag,
	})
	if err != nil {
		return 0, fmt.Errorf("push: alter-rows for %s: %w", opts.LocalTable, err)
	}

	if err := e.classifyAndApply(ctx, localTbl, resp); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (e *Engine) rejectConflicts(ctx context.Context, localTbl, name string) error {
	var count int
	if err := e.db.QueryRowContext(ctx, fmt.Sprintf(`select count(*) from %s where state = 'conflict'`, localTbl)).Scan(&count); err != nil {
		return fmt.Errorf("push: check conflicts on %s: %w", name, err)
	}
	if count > 0 {
		return fmt.Errorf("push: %s has %d conflicted rows: %w", name, count, errs.ErrUnresolvedConflicts)
	}
	return nil
}

func (e *Engine) buildPayload(ctx context.Context, def *model.Definition, localTbl string, opts Options) ([]remote.RowDoc, error) {
	masterTbl, err := storage.QuoteIdent(def.TableID)
	if err != nil {
		return nil, err
	}
	cols := def.Materialized()

	query := fmt.Sprintf(`
		select l.id, l.rowETag, m.rowETag, l.dataETagAtModification, l.savepointTimestamp,
			l.savepointCreator, l.formId, l.savepointType, l.lastUpdateUser, l.deleted,
			coalesce(l.createUser, m.createUser), coalesce(l.locale, m.locale),
			coalesce(l.defaultAccess, m.defaultAccess, 'FULL'), coalesce(l.rowOwner, m.rowOwner),
			coalesce(l.groupReadOnly, m.groupReadOnly), coalesce(l.groupModify, m.groupModify),
			coalesce(l.groupPrivileged, m.groupPrivileged)
		from %s l
		left join %s m on m.id = l.id
		where l.state in ('new', 'modified');
	`, localTbl, masterTbl)

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("push: select pending rows from %s: %w", opts.LocalTable, err)
	}
	defer rows.Close()

	var out []remote.RowDoc
	var ids []string
	for rows.Next() {
		var id string
		var localRowETag, masterRowETag, dataETag, savepointTS, savepointCreator, formID, savepointType, lastUpdateUser sql.NullString
		var deleted bool
		var createUser, locale, defaultAccess, rowOwner, groupRO, groupMod, groupPriv sql.NullString

		if err := rows.Scan(&id, &localRowETag, &masterRowETag, &dataETag, &savepointTS,
			&savepointCreator, &formID, &savepointType, &lastUpdateUser, &deleted,
			&createUser, &locale, &defaultAccess, &rowOwner, &groupRO, &groupMod, &groupPriv); err != nil {
			return nil, err
		}

		rowETag := localRowETag.String
		if opts.ForcePush && masterRowETag.Valid {
			rowETag = masterRowETag.String
		}

		ts := savepointTS.String
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339Nano)
		}
		spType := savepointType.String
		if spType == "" {
			spType = string(model.SavepointComplete)
		}
		cu := createUser.String
		if cu == "" {
			cu = opts.Principal
		}
		luu := lastUpdateUser.String
		if luu == "" {
			luu = opts.Principal
		}

		doc := remote.RowDoc{
			ID: id, RowETag: rowETag, DataETagAtModification: dataETag.String,
			Deleted: deleted, CreateUser: cu, LastUpdateUser: luu,
			FormID: formID.String, Locale: locale.String,
			SavepointType: spType, SavepointTimestamp: ts, SavepointCreator: savepointCreator.String,
			FilterScope: remote.FilterScopeDoc{
				DefaultAccess: orDefault(defaultAccess.String, "FULL"),
				RowOwner:      rowOwner.String, GroupReadOnly: groupRO.String,
				GroupModify: groupMod.String, GroupPrivileged: groupPriv.String,
			},
		}
		ids = append(ids, id)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := e.attachColumns(ctx, localTbl, ids, cols, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) attachColumns(ctx context.Context, localTbl string, ids []string, cols []model.Column, docs []remote.RowDoc) error {
	if len(ids) == 0 {
		return nil
	}
	byID := map[string]int{}
	for i, d := range docs {
		byID[d.ID] = i
	}
	colList := joinQuoted(columnKeys(cols))
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`select id, %s from %s where id in (%s)`, colList, localTbl, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return fmt.Errorf("push: read column values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		dest := make([]any, 1+len(cols))
		var id string
		dest[0] = &id
		vals := make([]sql.NullString, len(cols))
		for i := range vals {
			dest[i+1] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		idx, ok := byID[id]
		if !ok {
			continue
		}
		for i, c := range cols {
			docs[idx].OrderedColumns = append(docs[idx].OrderedColumns, remote.OrderedColumnDoc{Column: c.ElementKey, Value: vals[i].String})
		}
	}
	return rows.Err()
}

func (e *Engine) classifyAndApply(ctx context.Context, localTbl string, resp *remote.AlterRowsResponse) error {
	for start := 0; start < len(resp.Rows); start += chunkSize {
		end := start + chunkSize
		if end > len(resp.Rows) {
			end = len(resp.Rows)
		}
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, r := range resp.Rows[start:end] {
			state := model.StateSyncAttachments
			if r.Outcome == "IN_CONFLICT" {
				state = model.StateConflict
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`update %s set state = ?, rowETag = ? where id = ?`, localTbl),
				string(state), r.RowETag, r.ID); err != nil {
				tx.Rollback()
				return fmt.Errorf("push: apply outcome for %s: %w", r.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// HistoryOptions configures one history-replay run against an archived
// source table (the migrator path, §4.5).
type HistoryOptions struct {
	SourceTable   string // L, the archived history table
	RevTable      string // L_rev, records (id, new rowETag)
	Mapping       map[string]string // newCol -> oldCol, empty means identity
	StrictColumns bool
}

// PushHistory replays every not-yet-uploaded revision of SourceTable
// against def, one earliest-per-id batch at a time, until none remain.
// Any IN_CONFLICT outcome is fatal: concurrent writes to the
// destination table during history replay are disallowed.
func (e *Engine) PushHistory(ctx context.Context, def *model.Definition, opts HistoryOptions) error {
	logger := log.SubLogger(log.FromContext(ctx), "push.history")

	srcTbl, err := storage.QuoteIdent(opts.SourceTable)
	if err != nil {
		return err
	}
	revTbl, err := storage.QuoteIdent(opts.RevTable)
	if err != nil {
		return err
	}

	if err := e.ensureStateUploadColumn(ctx, srcTbl); err != nil {
		return err
	}

	for {
		ids, err := e.claimNextBatch(ctx, srcTbl)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}

		info, err := e.conn.TableInfo(ctx, def.TableID)
		if err != nil {
			return fmt.Errorf("push: history replay fetch current dataETag for %s: %w", def.TableID, err)
		}

		rows, err := e.buildHistoryPayload(ctx, def, srcTbl, ids, opts, logger)
		if err != nil {
			return err
		}

		resp, err := e.conn.AlterRows(ctx, def.TableID, def.SchemaETag, remote.AlterRowsRequest{
			Rows:     rows,
			DataETag: info.DataETag,
		})
		if err != nil {
			return fmt.Errorf("push: history replay alter-rows for %s: %w", def.TableID, err)
		}

		if err := e.applyHistoryOutcomes(ctx, srcTbl, revTbl, resp); err != nil {
			return err
		}
		logger.Info("replayed history batch", "tableId", def.TableID, "rows", len(ids))
	}

	return nil
}

func (e *Engine) ensureStateUploadColumn(ctx context.Context, quotedSrc string) error {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("select name from pragma_table_info(%s)", quotedSrc))
	if err != nil {
		return fmt.Errorf("push: inspect history source columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == "state_upload" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, fmt.Sprintf("alter table %s add column state_upload text", quotedSrc))
	if err != nil {
		return fmt.Errorf("push: add state_upload column: %w", err)
	}
	return nil
}

// claimNextBatch picks, for each id still pending, its single earliest
// not-yet-processed revision and marks those rows historyUpload.
func (e *Engine) claimNextBatch(ctx context.Context, quotedSrc string) ([]string, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		select rowid, id from (
			select rowid, id, row_number() over (
				partition by id order by savepointTimestamp asc
			) as rn
			from %s
			where state_upload is null or state_upload = 'historyUpload'
		) where rn = 1;
	`, quotedSrc))
	if err != nil {
		return nil, fmt.Errorf("push: select next history batch: %w", err)
	}
	type claim struct {
		rowid int64
		id    string
	}
	var claims []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.rowid, &c.id); err != nil {
			rows.Close()
			return nil, err
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(claims) == 0 {
		return nil, nil
	}

	var ids []string
	for _, c := range claims {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`update %s set state_upload = 'historyUpload' where rowid = ?`, quotedSrc), c.rowid); err != nil {
			return nil, fmt.Errorf("push: claim history row %d: %w", c.rowid, err)
		}
		ids = append(ids, c.id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Engine) buildHistoryPayload(ctx context.Context, def *model.Definition, quotedSrc string, ids []string, opts HistoryOptions, logger *slog.Logger) ([]remote.RowDoc, error) {
	cols := def.Materialized()
	srcColFor := func(newKey string) string {
		if old, ok := opts.Mapping[newKey]; ok {
			return old
		}
		return newKey
	}

	selCols := []string{"id", "savepointTimestamp", "savepointCreator", "savepointType",
		"createUser", "lastUpdateUser", "formId", "locale", "deleted",
		"defaultAccess", "rowOwner", "groupReadOnly", "groupModify", "groupPrivileged"}
	for _, c := range cols {
		selCols = append(selCols, srcColFor(c.ElementKey))
	}
	selCols = dedupeCols(selCols)

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`select %s from %s where id in (%s) and state_upload = 'historyUpload'`,
		joinQuoted(selCols), quotedSrc, placeholders(len(ids))), toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("push: read history rows: %w", err)
	}
	defer rows.Close()

	var out []remote.RowDoc
	for rows.Next() {
		dest := make([]any, len(selCols))
		vals := make([]sql.NullString, len(selCols))
		var deletedVal sql.NullString
		for i, name := range selCols {
			if name == "deleted" {
				dest[i] = &deletedVal
				continue
			}
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		byName := map[string]string{}
		for i, name := range selCols {
			if name == "deleted" {
				continue
			}
			byName[name] = vals[i].String
		}

		doc := remote.RowDoc{
			ID: byName["id"], DataETagAtModification: "",
			Deleted: deletedVal.String == "1" || deletedVal.String == "true",
			CreateUser: byName["createUser"], LastUpdateUser: byName["lastUpdateUser"],
			FormID: byName["formId"], Locale: byName["locale"],
			SavepointType:      orDefault(byName["savepointType"], string(model.SavepointComplete)),
			SavepointTimestamp: byName["savepointTimestamp"],
			SavepointCreator:   byName["savepointCreator"],
			FilterScope: remote.FilterScopeDoc{
				DefaultAccess: orDefault(byName["defaultAccess"], "FULL"),
				RowOwner:      byName["rowOwner"], GroupReadOnly: byName["groupReadOnly"],
				GroupModify: byName["groupModify"], GroupPrivileged: byName["groupPrivileged"],
			},
		}

		for _, c := range cols {
			srcCol := srcColFor(c.ElementKey)
			v, ok := byName[srcCol]
			if !ok {
				if opts.StrictColumns {
					return nil, fmt.Errorf("push: history column %s missing source %s for row %s: %w", c.ElementKey, srcCol, doc.ID, errs.ErrSchemaDiverged)
				}
				logger.Warn("skipping history column with no source mapping", "column", c.ElementKey, "sourceColumn", srcCol, "rowId", doc.ID)
				continue
			}
			doc.OrderedColumns = append(doc.OrderedColumns, remote.OrderedColumnDoc{Column: c.ElementKey, Value: v})
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (e *Engine) applyHistoryOutcomes(ctx context.Context, quotedSrc, quotedRev string, resp *remote.AlterRowsResponse) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range resp.Rows {
		if r.Outcome == "IN_CONFLICT" {
			return fmt.Errorf("push: history replay conflict on id %s: %w", r.ID, errs.ErrConcurrentHistoryModification)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (id, rowETag) values (?, ?)`, quotedRev), r.ID, r.RowETag); err != nil {
			return fmt.Errorf("push: record history revision for %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`update %s set state_upload = 'sync_attachments' where id = ? and state_upload = 'historyUpload'`, quotedSrc), r.ID); err != nil {
			return fmt.Errorf("push: advance history state for %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func dedupeCols(cols []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cols {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func columnKeys(cols []model.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.ElementKey
	}
	return out
}

func joinQuoted(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		q, err := storage.QuoteIdent(n)
		if err != nil {
			q = `"` + n + `"`
		}
		out += q
	}
	return out
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func toArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
