package attachments

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// FileStore is the on-disk attachment backend: files live at
// <root>/<tableId>/<rowId>/<filename>, writes land via a tmp file
// renamed into place for atomicity, and rowId may optionally have
// colons stripped for Windows compatibility.
type FileStore struct {
	Root          string
	WindowsCompat bool
}

func NewFileStore(root string, windowsCompat bool) *FileStore {
	return &FileStore{Root: root, WindowsCompat: windowsCompat}
}

func (f *FileStore) rowDir(tableID, rowID string) string {
	if f.WindowsCompat {
		rowID = strings.ReplaceAll(rowID, ":", "")
	}
	return filepath.Join(tableID, rowID)
}

func (f *FileStore) path(tableID, rowID, filename string) (string, error) {
	dir := f.rowDir(tableID, rowID)
	p, err := securejoin.SecureJoin(f.Root, filepath.Join(dir, filename))
	if err != nil {
		return "", fmt.Errorf("attachments: join path for %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	return p, nil
}

func (f *FileStore) Has(ctx context.Context, tableID, rowID, filename string) (bool, error) {
	p, err := f.path(tableID, rowID, filename)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileStore) MD5(ctx context.Context, tableID, rowID, filename string) (string, error) {
	p, err := f.path(tableID, rowID, filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("attachments: md5 %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	return md5Hex(data), nil
}

func (f *FileStore) Open(ctx context.Context, tableID, rowID, filename string) (io.ReadCloser, error) {
	p, err := f.path(tableID, rowID, filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("attachments: open %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	return file, nil
}

func (f *FileStore) Store(ctx context.Context, tableID, rowID, filename string, data io.Reader) error {
	p, err := f.path(tableID, rowID, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("attachments: mkdir for %s/%s: %w", tableID, rowID, err)
	}

	tmp := p + "-tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("attachments: create tmp for %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	if _, err := io.Copy(out, data); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("attachments: write %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("attachments: rename into place %s/%s/%s: %w", tableID, rowID, filename, err)
	}
	return nil
}

func (f *FileStore) Manifest(ctx context.Context, tableID, rowID string) ([]ManifestEntry, error) {
	dir, err := f.path(tableID, rowID, "")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("attachments: list %s/%s: %w", tableID, rowID, err)
	}

	var out []ManifestEntry
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), "-tmp") {
			continue
		}
		hash, err := f.MD5(ctx, tableID, rowID, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, ManifestEntry{Filename: e.Name(), MD5Hash: hash})
	}
	return out, nil
}
