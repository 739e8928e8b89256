package cache

import (
	"context"
	"fmt"
	"strings"

	"sync.odk-x.org/engine/storage"
)

// ManifestFile is one entry of a table-level file manifest.
type ManifestFile struct {
	Filename string
	MD5Hash  string
}

// FormDef is the decomposition of a fetched formDef.json.
type FormDef struct {
	XLSX          string
	Specification string
	FormID        string
	InstanceName  string
}

// ManifestCache compares a table's manifest against what's already
// cached and reports which files need fetching, per §4.7.
type ManifestCache struct {
	db *storage.DB
}

func NewManifestCache(db *storage.DB) *ManifestCache { return &ManifestCache{db: db} }

// Stale returns the subset of the manifest whose md5hash differs
// from (or is absent from) the cache. Only formDef.json and
// properties.csv entries are considered, per §4.7.
func (c *ManifestCache) Stale(ctx context.Context, tableID string, manifest []ManifestFile) ([]ManifestFile, error) {
	cached := map[string]string{}

	rows, err := c.db.QueryContext(ctx, `
		select filename, md5hash from odkxpy_cached_formdef where table_id = ?;
	`, tableID)
	if err != nil {
		return nil, fmt.Errorf("cache: read formdef manifest for %s: %w", tableID, err)
	}
	for rows.Next() {
		var filename, hash string
		if err := rows.Scan(&filename, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		cached[filename] = hash
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var tablePropsHash string
	_ = c.db.QueryRowContext(ctx, `
		select md5hash from odkxpy_cached_tableproperties where table_id = ?;
	`, tableID).Scan(&tablePropsHash)
	if tablePropsHash != "" {
		cached["properties.csv"] = tablePropsHash
	}

	var stale []ManifestFile
	for _, f := range manifest {
		if !isManagedManifestFile(f.Filename) {
			continue
		}
		if cached[f.Filename] != f.MD5Hash {
			stale = append(stale, f)
		}
	}
	return stale, nil
}

func isManagedManifestFile(name string) bool {
	return name == "formDef.json" || strings.HasSuffix(name, "properties.csv")
}

// StoreFormDef decomposes a fetched formDef.json payload and records
// its md5hash in the cache, so the next Stale call treats it as
// current.
func (c *ManifestCache) StoreFormDef(ctx context.Context, tableID, md5hash string, def FormDef) error {
	_, err := c.db.ExecContext(ctx, `
		insert into odkxpy_cached_formdef (filename, table_id, md5hash, xlsx, specification, form_id, instance_name)
		values ('formDef.json', ?, ?, ?, ?, ?, ?)
		on conflict(filename, table_id) do update set
			md5hash = excluded.md5hash,
			xlsx = excluded.xlsx,
			specification = excluded.specification,
			form_id = excluded.form_id,
			instance_name = excluded.instance_name;
	`, tableID, md5hash, def.XLSX, def.Specification, def.FormID, def.InstanceName)
	if err != nil {
		return fmt.Errorf("cache: store formDef for %s: %w", tableID, err)
	}
	return nil
}

// StoreTableProperties records the md5hash and derived surveyFormId
// of a fetched properties.csv payload.
func (c *ManifestCache) StoreTableProperties(ctx context.Context, tableID, md5hash, surveyFormID string) error {
	_, err := c.db.ExecContext(ctx, `
		insert into odkxpy_cached_tableproperties (table_id, md5hash, survey_form_id)
		values (?, ?, ?)
		on conflict(table_id) do update set md5hash = excluded.md5hash, survey_form_id = excluded.survey_form_id;
	`, tableID, md5hash, surveyFormID)
	if err != nil {
		return fmt.Errorf("cache: store table properties for %s: %w", tableID, err)
	}
	return nil
}
