package migrator_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/cache"
	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/migrator"
	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/pull"
	"sync.odk-x.org/engine/remote"
	"sync.odk-x.org/engine/storage"
)

func TestCompareDefinitionsDetectsAddedRemovedAndIncompatibleColumns(t *testing.T) {
	old := &model.Definition{Columns: []model.Column{
		{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
		{ElementKey: "age", ElementType: model.ElementInteger, Parent: -1},
		{ElementKey: "dropped", ElementType: model.ElementString, Parent: -1},
	}}
	new_ := &model.Definition{Columns: []model.Column{
		{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
		{ElementKey: "age", ElementType: model.ElementString, Parent: -1},
		{ElementKey: "added", ElementType: model.ElementString, Parent: -1},
	}}

	report := migrator.CompareDefinitions(old, new_)

	assert.ElementsMatch(t, []string{"dropped"}, report.DeletedColumns)
	assert.ElementsMatch(t, []string{"added"}, report.NewColumns)
	assert.True(t, report.HasIncompatibilities())
	assert.Equal(t, [2]model.ElementType{model.ElementInteger, model.ElementString}, report.TypeIncompatibilities["age"])
}

func oldMigratorDefinition() *model.Definition {
	return &model.Definition{
		TableID:    "t1",
		SchemaETag: "schemaOld",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
		},
	}
}

func newMigratorDefinition() *model.Definition {
	return &model.Definition{
		TableID:    "t2",
		SchemaETag: "schemaNew",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
		},
	}
}

func TestMigrateRejectsSameTableID(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	defs, err := cache.NewDefinitionCache(db)
	require.NoError(t, err)

	m := migrator.New(db, nil, defs, nil)
	_, err = m.Migrate(t.Context(), migrator.Options{OldTableID: "t1", NewTableID: "t1"})
	assert.ErrorIs(t, err, errs.ErrSameTableMigration)
}

func TestMigrateRejectsIncompatibleColumnTypesWithoutForce(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	defs, err := cache.NewDefinitionCache(db)
	require.NoError(t, err)
	require.NoError(t, defs.Put(t.Context(), oldMigratorDefinition()))

	incompatible := &model.Definition{
		TableID: "t2",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementInteger, Parent: -1},
		},
	}

	m := migrator.New(db, nil, defs, nil)
	_, err = m.Migrate(t.Context(), migrator.Options{
		OldTableID: "t1", NewTableID: "t2", NewDefinition: incompatible,
	})
	require.Error(t, err)
}

func TestMigrateArchivesOldTableAndReplaysHistoryIntoNew(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	oldDef := oldMigratorDefinition()
	newDef := newMigratorDefinition()

	require.NoError(t, storage.NewProvisioner(db).Provision(t.Context(), oldDef))
	_, err = db.Exec(`insert into "t1" (id, rowETag, name, state) values (?, ?, ?, ?)`, "row1", "r1", "alice", "synced")
	require.NoError(t, err)
	_, err = db.Exec(`insert into "t1_log" (id, rowETag, name, savepointTimestamp) values (?, ?, ?, ?)`,
		"row1", "r1", "alice", "2026-01-01T00:00:00.000Z")
	require.NoError(t, err)
	_, err = db.Exec(`insert into status_table (table_name, data_etag) values (?, ?)`, "t1", "etagOld")
	require.NoError(t, err)

	defs, err := cache.NewDefinitionCache(db)
	require.NoError(t, err)
	require.NoError(t, defs.Put(t.Context(), oldDef))

	var alterRowsSeen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/myApp/tables/t1":
			json.NewEncoder(w).Encode(remote.TableInfo{TableID: "t1", SchemaETag: "schemaOld", DataETag: "etagOld"})
		case r.Method == http.MethodGet && r.URL.Path == "/myApp/tables/t2":
			json.NewEncoder(w).Encode(remote.TableInfo{TableID: "t2", SchemaETag: "schemaNew", DataETag: "etagNew"})
		case r.Method == http.MethodPut:
			alterRowsSeen++
			var req remote.AlterRowsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := remote.AlterRowsResponse{}
			for _, row := range req.Rows {
				resp.Rows = append(resp.Rows, struct {
					ID      string `json:"id"`
					RowETag string `json:"rowETag"`
					Outcome string `json:"outcome"`
				}{ID: row.ID, RowETag: row.RowETag + "-replayed", Outcome: ""})
			}
			json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(srv.Close)

	conn, err := remote.New(srv.URL, "myApp", "", "")
	require.NoError(t, err)
	pullEngine := pull.New(db, conn, nil)

	m := migrator.New(db, conn, defs, pullEngine)
	report, err := m.Migrate(t.Context(), migrator.Options{
		OldTableID: "t1", NewTableID: "t2", NewDefinition: newDef,
	})
	require.NoError(t, err)
	assert.False(t, report.HasIncompatibilities())
	assert.Equal(t, 1, alterRowsSeen)

	var count int
	require.NoError(t, db.QueryRow(`select count(*) from sqlite_master where type = 'table' and name = 't1'`).Scan(&count))
	assert.Equal(t, 0, count, "old table must be renamed away after archiving")

	require.NoError(t, db.QueryRow(`select count(*) from sqlite_master where type = 'table' and name = '_archive_1_t1_log'`).Scan(&count))
	assert.Equal(t, 1, count)

	var name string
	require.NoError(t, db.QueryRow(`select name from "_archive_1_t1_log" where id = ?`, "row1").Scan(&name))
	assert.Equal(t, "alice", name)

	require.NoError(t, db.QueryRow(`select count(*) from "t2_rev" where id = ?`, "row1").Scan(&count))
	assert.Equal(t, 1, count, "history replay must record the new rowETag for the migrated row")

	cached, err := defs.Get(t.Context(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "schemaNew", cached.SchemaETag)
}
