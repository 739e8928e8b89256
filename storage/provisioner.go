package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sync.odk-x.org/engine/errs"
	"sync.odk-x.org/engine/model"
)

// systemColumnDDL is appended to every relation that carries the full
// set of system columns (§3). state is added separately where it
// applies, since the master copy of T_log omits it.
const systemColumnDDL = `
	dataETagAtModification text,
	savepointTimestamp text,
	savepointCreator text,
	savepointType text,
	createUser text,
	lastUpdateUser text,
	formId text,
	locale text,
	defaultAccess text,
	rowOwner text,
	groupReadOnly text,
	groupModify text,
	groupPrivileged text,
	deleted integer not null default 0
`

// Provisioner idempotently creates and extends the local relations
// for one server table definition.
type Provisioner struct {
	db *DB
}

func NewProvisioner(db *DB) *Provisioner { return &Provisioner{db: db} }

// Provision creates T, T_log, T_staging if missing, and adds any
// materialized column the definition declares that the master table
// lacks. Repeated calls with the same definition are no-ops; calls
// with a changed definition only ever add columns, never rewrite
// existing ones.
func (p *Provisioner) Provision(ctx context.Context, def *model.Definition) error {
	tbl, err := QuoteIdent(def.TableID)
	if err != nil {
		return err
	}
	logTbl, err := QuoteIdent(def.TableID + "_log")
	if err != nil {
		return err
	}
	stagingTbl, err := QuoteIdent(def.TableID + "_staging")
	if err != nil {
		return err
	}

	cols := def.Materialized()
	colDDL, err := columnDDL(cols)
	if err != nil {
		return err
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text primary key,
			rowETag text,
			%s,
			state text
			%s
		);
	`, tbl, systemColumnDDL, colDDL)); err != nil {
		return fmt.Errorf("storage: provision %s: %w", def.TableID, err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			rowETag text primary key,
			id text,
			%s
			%s
		);
	`, logTbl, systemColumnDDL, colDDL)); err != nil {
		return fmt.Errorf("storage: provision %s_log: %w", def.TableID, err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text,
			rowETag text,
			%s,
			state text
			%s
		);
	`, stagingTbl, systemColumnDDL, colDDL)); err != nil {
		return fmt.Errorf("storage: provision %s_staging: %w", def.TableID, err)
	}

	return p.addMissingColumns(ctx, conn, tbl, cols)
}

// ProvisionExternal creates T_<ext> and T_<ext>_staging scoped to a
// caller-supplied subset of the definition's materialized columns,
// failing with errs.ErrUnknownColumn if the caller names a column the
// definition does not contain.
func (p *Provisioner) ProvisionExternal(ctx context.Context, def *model.Definition, prefix string, columnKeys []string) error {
	allowed := map[string]model.Column{}
	for _, c := range def.Materialized() {
		allowed[c.ElementKey] = c
	}
	var cols []model.Column
	for _, k := range columnKeys {
		c, ok := allowed[k]
		if !ok {
			return fmt.Errorf("storage: external source %s: %w: %s", prefix, errs.ErrUnknownColumn, k)
		}
		cols = append(cols, c)
	}

	extTbl, err := QuoteIdent(def.TableID + "_" + prefix)
	if err != nil {
		return err
	}
	extStagingTbl, err := QuoteIdent(def.TableID + "_" + prefix + "_staging")
	if err != nil {
		return err
	}
	colDDL, err := columnDDL(cols)
	if err != nil {
		return err
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text primary key,
			rowETag text,
			%s,
			state text,
			hash text
			%s
		);
	`, extTbl, systemColumnDDL, colDDL)); err != nil {
		return fmt.Errorf("storage: provision %s_%s: %w", def.TableID, prefix, err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			id text,
			rowETag text,
			%s,
			state text,
			hash text
			%s
		);
	`, extStagingTbl, systemColumnDDL, colDDL)); err != nil {
		return fmt.Errorf("storage: provision %s_%s_staging: %w", def.TableID, prefix, err)
	}

	return p.addMissingColumns(ctx, conn, extTbl, cols)
}

func columnDDL(cols []model.Column) (string, error) {
	var b strings.Builder
	for _, c := range cols {
		name, err := QuoteIdent(c.ElementKey)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, ", %s %s", name, model.PhysicalType(c.ElementType))
	}
	return b.String(), nil
}

func (p *Provisioner) addMissingColumns(ctx context.Context, conn *sql.Conn, quotedTable string, cols []model.Column) error {
	existing, err := existingColumns(ctx, conn, quotedTable)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if existing[c.ElementKey] {
			continue
		}
		name, err := QuoteIdent(c.ElementKey)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf("alter table %s add column %s %s", quotedTable, name, model.PhysicalType(c.ElementType))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: add column %s: %w", c.ElementKey, err)
		}
	}
	return nil
}

func existingColumns(ctx context.Context, conn *sql.Conn, quotedTable string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, "select name from pragma_table_info("+quoteAsLiteral(quotedTable)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// quoteAsLiteral turns an already-identifier-validated, double-quoted
// table name into the single-quoted string literal pragma_table_info
// expects as its argument.
func quoteAsLiteral(quotedIdent string) string {
	inner := strings.Trim(quotedIdent, `"`)
	return "'" + inner + "'"
}
