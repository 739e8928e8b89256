package attachments_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync.odk-x.org/engine/attachments"
)

func TestFileStoreWindowsCompatStripsColonsFromRowID(t *testing.T) {
	root := t.TempDir()
	s := attachments.NewFileStore(root, true)

	require.NoError(t, s.Store(t.Context(), "t1", "uuid:with:colons", "a.txt", bytes.NewReader([]byte("x"))))

	_, err := os.Stat(filepath.Join(root, "t1", "uuidwithcolons", "a.txt"))
	assert.NoError(t, err, "expected colons stripped from the on-disk row directory")
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	s := attachments.NewFileStore(root, false)

	err := s.Store(t.Context(), "t1", "row1", "../../../etc/passwd", bytes.NewReader([]byte("x")))
	require.NoError(t, err, "securejoin should sandbox the traversal rather than error")

	// securejoin clamps the escaping ".." segments to root itself, so
	// the write must land inside root and never reach a real /etc.
	_, err = os.Stat("/etc/odkxsync-path-traversal-canary")
	assert.True(t, os.IsNotExist(err))

	found := false
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && info.Name() == "passwd" {
			found = true
		}
		return nil
	})
	assert.True(t, found, "expected the traversal to resolve to a file confined under root")
}

func TestFileStoreStoreLeavesNoTmpFileBehind(t *testing.T) {
	root := t.TempDir()
	s := attachments.NewFileStore(root, false)

	require.NoError(t, s.Store(t.Context(), "t1", "row1", "a.txt", bytes.NewReader([]byte("x"))))

	entries, err := os.ReadDir(filepath.Join(root, "t1", "row1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}
