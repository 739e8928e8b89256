package config

import (
	"context"
	"fmt"
	"os"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Server describes the remote ODK-X Sync Server endpoint this process
// talks to.
type Server struct {
	URL      string `env:"URL, required"`
	AppID    string `env:"APP_ID, required"`
	Username string `env:"USERNAME, required"`
	Password string `env:"PASSWORD, required"`
}

// Local describes the on-disk state this process owns.
type Local struct {
	DBPath         string `env:"DB_PATH, default=odkxsync.db"`
	AttachmentRoot string `env:"ATTACHMENT_ROOT, default=attachments"`
	MangleColons   bool   `env:"MANGLE_COLONS, default=false"`
}

// Sync tunes the engine's runtime behavior.
type Sync struct {
	StrictColumns bool `env:"STRICT_COLUMNS, default=false"`
	FetchLimit    int  `env:"FETCH_LIMIT, default=500"`
}

type Config struct {
	Server Server `env:",prefix=ODKX_SERVER_"`
	Local  Local  `env:",prefix=ODKX_LOCAL_"`
	Sync   Sync   `env:",prefix=ODKX_SYNC_"`
}

// Load reads configuration from the process environment. Every field
// either has a default or is required.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConnectionsFile is the shape of a multi-connection yaml deployment
// file: one Config per named connection, for operators running the
// engine against more than one app namespace from a single process.
type ConnectionsFile struct {
	Connections map[string]Config `yaml:"connections"`
}

// LoadConnectionsFile reads a named-connection yaml file and layers each
// entry over base, the Config already loaded from the
// ODKX_SERVER_/ODKX_LOCAL_/ODKX_SYNC_ environment variables. Layering is
// per section: an entry's server section replaces base's when it sets a
// url, its local section when it sets a dbpath, and its sync section
// when it sets any field. A section the entry leaves unset keeps base's
// values; a section it sets wins over base.
func LoadConnectionsFile(path string, base Config) (map[string]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read connections file %s: %w", path, err)
	}

	var doc ConnectionsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse connections file %s: %w", path, err)
	}

	for name, conn := range doc.Connections {
		merged := base
		if conn.Server.URL != "" {
			merged.Server = conn.Server
		}
		if conn.Local.DBPath != "" {
			merged.Local = conn.Local
		}
		if conn.Sync != (Sync{}) {
			merged.Sync = conn.Sync
		}
		doc.Connections[name] = merged
	}
	return doc.Connections, nil
}
