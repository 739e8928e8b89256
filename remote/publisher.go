package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"sync.odk-x.org/engine/log"
)

// PublishMode selects which files under an app root a Publisher walks.
type PublishMode string

const (
	PublishApp         PublishMode = "app"
	PublishFile        PublishMode = "file"
	PublishTable       PublishMode = "table"
	PublishTableHTMLJS PublishMode = "table_html_js"
)

// Publisher pushes local static files (app assets, table HTML/JS/CSV)
// to the server's file endpoints. It is a thin collaborator over
// Connection, outside the sync transaction boundary.
type Publisher struct {
	conn *Connection
}

func NewPublisher(conn *Connection) *Publisher { return &Publisher{conn: conn} }

var contentTypeByExt = map[string]string{
	".js":   "text/javascript",
	".css":  "text/css",
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".html": "text/html",
}

func guessContentType(name string) string {
	if ct, ok := contentTypeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Publish walks appRoot under mode and POSTs every matching file to the
// app- or table-level file endpoint, keyed by its path relative to
// appRoot.
func (p *Publisher) Publish(ctx context.Context, appRoot string, mode PublishMode) error {
	logger := log.SubLogger(log.FromContext(ctx), "publisher")

	return filepath.WalkDir(appRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(appRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if mode == PublishTableHTMLJS {
			ext := strings.ToLower(filepath.Ext(rel))
			if ext != ".html" && ext != ".js" {
				return nil
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("publisher: read %s: %w", path, err)
		}

		if err := p.conn.PutFile(ctx, rel, guessContentType(rel), data); err != nil {
			return fmt.Errorf("publisher: put %s: %w", rel, err)
		}
		logger.Debug("published file", "path", rel, "size", humanize.Bytes(uint64(len(data))))
		return nil
	})
}
