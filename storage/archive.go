package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ArchiveTables renames T, T_log, and T_staging for tableID to
// _archive_<n>_* under the next free monotonically increasing n,
// skipping any relation that does not exist. It is idempotent: a
// retried migrator run against the same tableID reuses the same n
// instead of archiving twice.
func ArchiveTables(ctx context.Context, db *DB, tableID string) (string, error) {
	id, err := Ident(tableID)
	if err != nil {
		return "", err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if n, ok, err := priorArchiveIndex(ctx, conn, id); err != nil {
		return "", fmt.Errorf("storage: check prior archive of %s: %w", id, err)
	} else if ok {
		return fmt.Sprintf("_archive_%d_%s", n, id), nil
	}

	n, err := nextArchiveIndex(ctx, conn, id)
	if err != nil {
		return "", fmt.Errorf("storage: determine archive index for %s: %w", id, err)
	}
	prefix := fmt.Sprintf("_archive_%d_%s", n, id)
	name := fmt.Sprintf("archive:%s:%d", id, n)

	err = runMigration(ctx, conn, name, func(tx *sql.Tx) error {
		for _, suffix := range []string{"", "_log", "_staging"} {
			old := id + suffix
			exists, err := tableExists(ctx, tx, old)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			oldQ, err := QuoteIdent(old)
			if err != nil {
				return err
			}
			newQ, err := QuoteIdent(prefix + suffix)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("alter table %s rename to %s", oldQ, newQ)); err != nil {
				return fmt.Errorf("archive %s: %w", old, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return prefix, nil
}

// priorArchiveIndex looks for a completed archive migration already
// recorded for tableID. A migrator retry calls ArchiveTables again
// after the source tables have already been renamed away, so scanning
// sqlite_master for the next free index would silently skip past the
// real archive and return a prefix nothing was ever renamed to.
func priorArchiveIndex(ctx context.Context, q Execer, tableID string) (int, bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"select name from migrations where name like ? escape '\\' order by id desc limit 1",
		"archive:"+escapeLike(tableID)+":%").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "archive:"+tableID+":"))
	if err != nil {
		return 0, false, fmt.Errorf("parse archive index from migration %q: %w", name, err)
	}
	return n, true, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

var archiveNameRe = regexp.MustCompile(`^_archive_(\d+)_(.+)$`)

func nextArchiveIndex(ctx context.Context, q Execer, tableID string) (int, error) {
	rows, err := q.QueryContext(ctx, "select name from sqlite_master where type = 'table'")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, err
		}
		m := archiveNameRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		base := m[2]
		if base != tableID && base != tableID+"_log" && base != tableID+"_staging" {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max + 1, rows.Err()
}

func tableExists(ctx context.Context, q Execer, name string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, "select exists(select 1 from sqlite_master where type = 'table' and name = ?)", name).Scan(&exists)
	return exists, err
}
