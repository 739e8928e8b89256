package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/cache"
	"sync.odk-x.org/engine/storage"
)

func newManifestCache(t *testing.T) *cache.ManifestCache {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return cache.NewManifestCache(db)
}

func TestManifestCacheStaleOnEmptyCacheReturnsManagedFilesOnly(t *testing.T) {
	c := newManifestCache(t)

	manifest := []cache.ManifestFile{
		{Filename: "formDef.json", MD5Hash: "abc"},
		{Filename: "properties.csv", MD5Hash: "def"},
		{Filename: "instanceSheet.xlsx", MD5Hash: "ghi"},
	}

	stale, err := c.Stale(t.Context(), "t1", manifest)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range stale {
		names[f.Filename] = true
	}
	assert.True(t, names["formDef.json"])
	assert.True(t, names["properties.csv"])
	assert.False(t, names["instanceSheet.xlsx"], "unmanaged files are never reported stale")
}

func TestManifestCacheStaleSkipsUnchangedHashes(t *testing.T) {
	c := newManifestCache(t)

	require.NoError(t, c.StoreFormDef(t.Context(), "t1", "abc", cache.FormDef{FormID: "f1"}))
	require.NoError(t, c.StoreTableProperties(t.Context(), "t1", "def", "f1"))

	manifest := []cache.ManifestFile{
		{Filename: "formDef.json", MD5Hash: "abc"},
		{Filename: "properties.csv", MD5Hash: "def"},
	}

	stale, err := c.Stale(t.Context(), "t1", manifest)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestManifestCacheStaleDetectsChangedHash(t *testing.T) {
	c := newManifestCache(t)

	require.NoError(t, c.StoreFormDef(t.Context(), "t1", "abc", cache.FormDef{FormID: "f1"}))

	manifest := []cache.ManifestFile{
		{Filename: "formDef.json", MD5Hash: "changed"},
	}

	stale, err := c.Stale(t.Context(), "t1", manifest)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "formDef.json", stale[0].Filename)
}
