// Package storage owns the local relational store: the sqlite
// connection, identifier-safe query building, and the Table
// Provisioner that creates the five per-table relations plus the
// auxiliary status and cache tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection used by every storage-backed
// component.
type DB struct {
	*sql.DB
}

// Execer abstracts *sql.DB / *sql.Tx / *sql.Conn so writers can be
// handed either a pooled connection or an explicit transaction.
type Execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens the sqlite database at dbPath and provisions the
// auxiliary relations every sync needs regardless of which tables are
// synchronized.
func Open(dbPath string) (*DB, error) {
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	}
	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", dbPath, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, auxiliarySchema); err != nil {
		return nil, fmt.Errorf("storage: provision auxiliary tables: %w", err)
	}

	return &DB{db}, nil
}

const auxiliarySchema = `
	create table if not exists migrations (
		id integer primary key autoincrement,
		name text unique
	);

	create table if not exists status_table (
		table_name text not null,
		data_etag text not null,
		sync_date text not null default (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);
	create index if not exists idx_status_table_name_date on status_table(table_name, sync_date);

	create table if not exists odkxpy_cached_defintions (
		table_id text not null,
		schema_etag text not null,
		odkxpydef text not null,
		unique(table_id, schema_etag)
	);

	create table if not exists odkxpy_cached_formdef (
		filename text not null,
		table_id text not null,
		md5hash text not null,
		xlsx text,
		specification text,
		form_id text,
		instance_name text,
		unique(filename, table_id)
	);

	create table if not exists odkxpy_cached_tableproperties (
		table_id text primary key,
		md5hash text not null,
		survey_form_id text
	);
`

type migrationFn = func(*sql.Tx) error

// runMigration applies a named migration exactly once, tracked in the
// migrations table, the way a long-lived schema accretes changes
// without a full migration framework.
func runMigration(ctx context.Context, c *sql.Conn, name string, fn migrationFn) error {
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "select exists (select 1 from migrations where name = ?)", name).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := fn(tx); err != nil {
		return fmt.Errorf("storage: migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "insert into migrations (name) values (?)", name); err != nil {
		return fmt.Errorf("storage: mark migration %s complete: %w", name, err)
	}
	return tx.Commit()
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ident validates a table or column name before it is concatenated
// into SQL text. Every value in this package still travels as a
// database/sql placeholder; only identifiers, which placeholders
// cannot parameterize, go through this gate.
func Ident(name string) (string, error) {
	if !identifierRe.MatchString(name) {
		return "", fmt.Errorf("storage: invalid identifier %q", name)
	}
	return name, nil
}

// QuoteIdent validates and double-quotes an identifier for
// inclusion in a query.
func QuoteIdent(name string) (string, error) {
	n, err := Ident(name)
	if err != nil {
		return "", err
	}
	return `"` + n + `"`, nil
}
