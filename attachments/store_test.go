package attachments_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/attachments"
)

// storeFactories is run against every Store implementation so the
// capability interface's contract is enforced identically regardless
// of backend.
func storeFactories(t *testing.T) map[string]func() attachments.Store {
	return map[string]func() attachments.Store{
		"memory": func() attachments.Store { return attachments.NewMemoryStore() },
		"file":   func() attachments.Store { return attachments.NewFileStore(t.TempDir(), false) },
	}
}

func TestStoreHasStoreOpenRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := t.Context()

			has, err := s.Has(ctx, "t1", "row1", "photo.jpg")
			require.NoError(t, err)
			assert.False(t, has)

			require.NoError(t, s.Store(ctx, "t1", "row1", "photo.jpg", bytes.NewReader([]byte("bytes"))))

			has, err = s.Has(ctx, "t1", "row1", "photo.jpg")
			require.NoError(t, err)
			assert.True(t, has)

			r, err := s.Open(ctx, "t1", "row1", "photo.jpg")
			require.NoError(t, err)
			defer r.Close()
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, "bytes", string(data))
		})
	}
}

func TestStoreMD5MatchesStoredContent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := t.Context()

			require.NoError(t, s.Store(ctx, "t1", "row1", "a.txt", bytes.NewReader([]byte("hello"))))

			hash, err := s.MD5(ctx, "t1", "row1", "a.txt")
			require.NoError(t, err)
			assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", hash)
		})
	}
}

func TestStoreManifestListsAllFilesForRow(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			ctx := t.Context()

			require.NoError(t, s.Store(ctx, "t1", "row1", "a.txt", bytes.NewReader([]byte("a"))))
			require.NoError(t, s.Store(ctx, "t1", "row1", "b.txt", bytes.NewReader([]byte("b"))))
			require.NoError(t, s.Store(ctx, "t1", "row2", "c.txt", bytes.NewReader([]byte("c"))))

			manifest, err := s.Manifest(ctx, "t1", "row1")
			require.NoError(t, err)

			names := map[string]bool{}
			for _, m := range manifest {
				names[m.Filename] = true
			}
			assert.Len(t, manifest, 2)
			assert.True(t, names["a.txt"])
			assert.True(t, names["b.txt"])
			assert.False(t, names["c.txt"], "manifest must not leak another row's files")
		})
	}
}

func TestStoreManifestEmptyRowReturnsNoError(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			manifest, err := s.Manifest(t.Context(), "t1", "never-stored")
			require.NoError(t, err)
			assert.Empty(t, manifest)
		})
	}
}
