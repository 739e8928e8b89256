// Package attachments implements the attachment capability interface
// (§9) and the row-level manifest-diff sub-sync (§4.8).
package attachments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
)

// ManifestEntry is one file known to a row, on disk or on the server.
type ManifestEntry struct {
	Filename string
	MD5Hash  string
}

// Store is the capability interface every attachment backend
// implements: presence check, digest, open, store, and manifest —
// nothing more. The filesystem variant is the production
// implementation; the in-memory variant exists for tests.
type Store interface {
	Has(ctx context.Context, tableID, rowID, filename string) (bool, error)
	MD5(ctx context.Context, tableID, rowID, filename string) (string, error)
	Open(ctx context.Context, tableID, rowID, filename string) (io.ReadCloser, error)
	Store(ctx context.Context, tableID, rowID, filename string, data io.Reader) error
	Manifest(ctx context.Context, tableID, rowID string) ([]ManifestEntry, error)
}

var _ = []Store{(*FileStore)(nil), (*MemoryStore)(nil)}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
