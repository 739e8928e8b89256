package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/model"
	"sync.odk-x.org/engine/storage"
)

func TestArchiveTablesRenamesExistingRelations(t *testing.T) {
	db := openTestDB(t)
	p := storage.NewProvisioner(db)
	require.NoError(t, p.Provision(t.Context(), testDefinition()))

	prefix, err := storage.ArchiveTables(t.Context(), db, "t1")
	require.NoError(t, err)
	assert.Equal(t, "_archive_1_t1", prefix)

	for _, table := range []string{"_archive_1_t1", "_archive_1_t1_log", "_archive_1_t1_staging"} {
		var n int
		require.NoError(t, db.QueryRow(
			"select count(*) from sqlite_master where type = 'table' and name = ?", table).Scan(&n))
		assert.Equal(t, 1, n, "expected %s to exist after archiving", table)
	}

	var n int
	require.NoError(t, db.QueryRow(
		"select count(*) from sqlite_master where type = 'table' and name = 't1'").Scan(&n))
	assert.Equal(t, 0, n, "expected original t1 to be renamed away")
}

func TestArchiveTablesIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	p := storage.NewProvisioner(db)
	require.NoError(t, p.Provision(t.Context(), testDefinition()))

	prefix1, err := storage.ArchiveTables(t.Context(), db, "t1")
	require.NoError(t, err)

	// A retried migrator run calls ArchiveTables again for the same
	// tableID after the source tables are already gone; it must
	// return the same prefix rather than computing a new one that
	// nothing was ever renamed to.
	prefix2, err := storage.ArchiveTables(t.Context(), db, "t1")
	require.NoError(t, err)
	assert.Equal(t, prefix1, prefix2)
}

func TestArchiveTablesOfUnrelatedTableDoesNotCollide(t *testing.T) {
	db := openTestDB(t)
	p := storage.NewProvisioner(db)
	require.NoError(t, p.Provision(t.Context(), testDefinition()))

	other := &model.Definition{TableID: "t2", Columns: testDefinition().Columns}
	require.NoError(t, p.Provision(t.Context(), other))

	prefix1, err := storage.ArchiveTables(t.Context(), db, "t1")
	require.NoError(t, err)
	prefix2, err := storage.ArchiveTables(t.Context(), db, "t2")
	require.NoError(t, err)

	assert.Equal(t, "_archive_1_t1", prefix1)
	assert.Equal(t, "_archive_1_t2", prefix2)
}

func TestArchiveTablesSkipsMissingRelations(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`create table "t1" (id text primary key)`)
	require.NoError(t, err)

	prefix, err := storage.ArchiveTables(t.Context(), db, "t1")
	require.NoError(t, err)
	assert.Equal(t, "_archive_1_t1", prefix)

	var n int
	require.NoError(t, db.QueryRow(
		"select count(*) from sqlite_master where type = 'table' and name = '_archive_1_t1_log'").Scan(&n))
	assert.Equal(t, 0, n)
}
