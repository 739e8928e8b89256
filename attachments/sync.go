package attachments

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/log"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

// Syncer drives one row's attachment state machine:
// (initial) -> sync_attachments -> synced, with sync_attachments ->
// conflict reachable only via a push outcome elsewhere.
type Syncer struct {
	db    *storage.DB
	conn  *remote.Connection
	store Store
}

func NewSyncer(db *storage.DB, conn *remote.Connection, store Store) *Syncer {
	return &Syncer{db: db, conn: conn, store: store}
}

// row is the minimal shape the syncer needs per candidate row.
type row struct {
	id         string
	declared   []string // rowpath column values naming files this row references
	stateField string   // the column name to update (state or state_upload)
}

// Pull fetches the remote manifest for every row of tableID in
// state='sync_attachments' (gated by stateColumn, which is "state" in
// normal mode and "state_upload" during history replay), downloads
// whatever is missing or stale, and promotes rows to synced once
// every declared file is present locally.
func (s *Syncer) Pull(ctx context.Context, tableID, schemaETag string, def *model.Definition, stateColumn string) error {
	logger := log.SubLogger(log.FromContext(ctx), "attachments.pull")

	rows, err := s.candidateRows(ctx, tableID, def, stateColumn)
	if err != nil {
		return err
	}

	for _, r := range rows {
		remoteManifest, err := s.conn.AttachmentManifest(ctx, tableID, schemaETag, r.id)
		if err != nil {
			return fmt.Errorf("attachments: pull manifest for %s/%s: %w", tableID, r.id, err)
		}

		var toFetch []string
		for _, f := range remoteManifest {
			localHash, err := s.store.MD5(ctx, tableID, r.id, f.Filename)
			if err == nil && localHash == f.MD5Hash {
				continue
			}
			toFetch = append(toFetch, f.Filename)
		}

		if len(toFetch) > 0 {
			data, err := s.conn.DownloadAttachments(ctx, tableID, schemaETag, r.id, toFetch)
			if err != nil {
				return fmt.Errorf("attachments: download for %s/%s: %w", tableID, r.id, err)
			}
			for filename, fileData := range data {
				if err := s.store.Store(ctx, tableID, r.id, filename, bytes.NewReader(fileData)); err != nil {
					return fmt.Errorf("attachments: save %s/%s/%s: %w", tableID, r.id, filename, err)
				}
			}
		}

		complete, err := s.allDeclaredPresent(ctx, tableID, r)
		if err != nil {
			return err
		}
		if complete {
			if err := s.setState(ctx, tableID, r.id, stateColumn, model.StateSynced); err != nil {
				return err
			}
		} else {
			logger.Warn("attachment partial after pull, retrying next sync", "tableId", tableID, "rowId", r.id, "error", errs.ErrAttachmentPartial)
		}
	}
	return nil
}

// Push fetches the remote manifest for every candidate row, uploads
// whatever local file differs or is absent remotely, and promotes to
// synced once every declared file is remote.
func (s *Syncer) Push(ctx context.Context, tableID, schemaETag string, def *model.Definition, stateColumn string) error {
	logger := log.SubLogger(log.FromContext(ctx), "attachments.push")

	rows, err := s.candidateRows(ctx, tableID, def, stateColumn)
	if err != nil {
		return err
	}

	for _, r := range rows {
		remoteManifest, err := s.conn.AttachmentManifest(ctx, tableID, schemaETag, r.id)
		if err != nil {
			return fmt.Errorf("attachments: push manifest for %s/%s: %w", tableID, r.id, err)
		}
		remoteHash := map[string]string{}
		for _, f := range remoteManifest {
			remoteHash[f.Filename] = f.MD5Hash
		}

		toUpload := map[string][]byte{}
		for _, filename := range r.declared {
			if filename == "" {
				continue
			}
			present, err := s.store.Has(ctx, tableID, r.id, filename)
			if err != nil || !present {
				continue
			}
			localHash, err := s.store.MD5(ctx, tableID, r.id, filename)
			if err != nil {
				return err
			}
			if remoteHash[filename] == localHash {
				continue
			}
			rc, err := s.store.Open(ctx, tableID, r.id, filename)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return err
			}
			toUpload[filename] = data
		}

		if len(toUpload) > 0 {
			if err := s.conn.UploadAttachments(ctx, tableID, schemaETag, r.id, toUpload); err != nil {
				return fmt.Errorf("attachments: upload for %s/%s: %w", tableID, r.id, err)
			}
		}

		allRemote := true
		for _, filename := range r.declared {
			if filename == "" {
				continue
			}
			if _, ok := remoteHash[filename]; !ok {
				if _, uploaded := toUpload[filename]; !uploaded {
					allRemote = false
				}
			}
		}
		if allRemote {
			if err := s.setState(ctx, tableID, r.id, stateColumn, model.StateSynced); err != nil {
				return err
			}
		} else {
			logger.Warn("attachment partial after push, retrying next sync", "tableId", tableID, "rowId", r.id, "error", errs.ErrAttachmentPartial)
		}
	}
	return nil
}

func (s *Syncer) candidateRows(ctx context.Context, tableID string, def *model.Definition, stateColumn string) ([]row, error) {
	tbl, err := storage.QuoteIdent(tableID)
	if err != nil {
		return nil, err
	}
	stateCol, err := storage.QuoteIdent(stateColumn)
	if err != nil {
		return nil, err
	}

	rowpathCols := def.RowpathColumns()
	selectList := "id"
	for _, c := range rowpathCols {
		col, err := storage.QuoteIdent(c.ElementKey)
		if err != nil {
			return nil, err
		}
		selectList += ", " + col
	}

	rs, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select distinct %s from %s where %s = ?`, selectList, tbl, stateCol), string(model.StateSyncAttachments))
	if err != nil {
		return nil, fmt.Errorf("attachments: select candidate rows for %s: %w", tableID, err)
	}
	defer rs.Close()

	var out []row
	for rs.Next() {
		dest := make([]any, 1+len(rowpathCols))
		var id string
		dest[0] = &id
		vals := make([]*string, len(rowpathCols))
		for i := range rowpathCols {
			vals[i] = new(string)
			dest[i+1] = vals[i]
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, err
		}
		r := row{id: id, stateField: stateColumn}
		for _, v := range vals {
			r.declared = append(r.declared, *v)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func (s *Syncer) allDeclaredPresent(ctx context.Context, tableID string, r row) (bool, error) {
	for _, filename := range r.declared {
		if filename == "" {
			continue
		}
		present, err := s.store.Has(ctx, tableID, r.id, filename)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
	}
	return true, nil
}

func (s *Syncer) setState(ctx context.Context, tableID, rowID, stateColumn string, state model.RowState) error {
	tbl, err := storage.QuoteIdent(tableID)
	if err != nil {
		return err
	}
	stateCol, err := storage.QuoteIdent(stateColumn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`update %s set %s = ? where id = ?`, tbl, stateCol), string(state), rowID)
	return err
}
