// Package cache implements the Definition Cache and Manifest Cache:
// sqlite-backed persistence with a ristretto hot cache in front of
// the lookups a single sync performs repeatedly.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/storage"
)

// DefinitionCache persists the latest (tableId, schemaETag) →
// definition mapping so a local table can be reopened without
// contacting the remote server.
type DefinitionCache struct {
	db  *storage.DB
	hot *ristretto.Cache
}

func NewDefinitionCache(db *storage.DB) (*DefinitionCache, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: new ristretto cache: %w", err)
	}
	return &DefinitionCache{db: db, hot: hot}, nil
}

// Put upserts the definition, replacing any cached entry for the
// tableId whose schemaETag differs.
func (c *DefinitionCache) Put(ctx context.Context, def *model.Definition) error {
	encoded, err := json.Marshal(def.Columns)
	if err != nil {
		return fmt.Errorf("cache: encode definition %s: %w", def.TableID, err)
	}

	_, err = c.db.ExecContext(ctx, `
		delete from odkxpy_cached_defintions where table_id = ? and schema_etag <> ?;
	`, def.TableID, def.SchemaETag)
	if err != nil {
		return fmt.Errorf("cache: evict stale definitions for %s: %w", def.TableID, err)
	}

	_, err = c.db.ExecContext(ctx, `
		insert into odkxpy_cached_defintions (table_id, schema_etag, odkxpydef)
		values (?, ?, ?)
		on conflict(table_id, schema_etag) do update set odkxpydef = excluded.odkxpydef;
	`, def.TableID, def.SchemaETag, string(encoded))
	if err != nil {
		return fmt.Errorf("cache: store definition %s: %w", def.TableID, err)
	}

	c.hot.Set(def.TableID, def, int64(len(encoded)))
	c.hot.Wait()
	return nil
}

// Get returns the last cached definition for tableId, or
// errs.ErrCacheNotFound if none has ever been stored.
func (c *DefinitionCache) Get(ctx context.Context, tableID string) (*model.Definition, error) {
	if v, ok := c.hot.Get(tableID); ok {
		return v.(*model.Definition), nil
	}

	var schemaETag, encoded string
	err := c.db.QueryRowContext(ctx, `
		select schema_etag, odkxpydef from odkxpy_cached_defintions
		where table_id = ? order by rowid desc limit 1;
	`, tableID).Scan(&schemaETag, &encoded)
	if err != nil {
		return nil, fmt.Errorf("cache: definition %s: %w", tableID, errs.ErrCacheNotFound)
	}

	var cols []model.Column
	if err := json.Unmarshal([]byte(encoded), &cols); err != nil {
		return nil, fmt.Errorf("cache: decode definition %s: %w", tableID, err)
	}

	def := &model.Definition{TableID: tableID, SchemaETag: schemaETag, Columns: cols}
	c.hot.Set(tableID, def, int64(len(encoded)))
	c.hot.Wait()
	return def, nil
}
