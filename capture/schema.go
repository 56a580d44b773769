// Package capture records origin database changes into the change feed.
// Triggers on each published table write rows into a change log table; a
// poll worker drains that table into the durable feed in commit order.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ChangeLogTable is the origin-side staging table the triggers write to.
// It lives next to user tables and is excluded from catalogs and snapshots
// by its reserved prefix.
const ChangeLogTable = "__slipstream_log__"

const changeLogSchema = `
CREATE TABLE IF NOT EXISTS ` + ChangeLogTable + ` (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl    TEXT    NOT NULL,
	op     INTEGER NOT NULL,
	before TEXT,
	after  TEXT,
	ts     INTEGER NOT NULL
)`

// EnsureChangeLog creates the staging table if it does not exist.
func EnsureChangeLog(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, changeLogSchema)
	return err
}

// InstallTriggers creates the insert, update and delete triggers for one
// table. Idempotent; existing triggers are kept as-is.
func InstallTriggers(ctx context.Context, db *sql.DB, table string) error {
	cols, err := tableColumns(ctx, db, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table has no columns: %s", table)
	}

	oldJSON := rowJSON("OLD", cols)
	newJSON := rowJSON("NEW", cols)

	statements := []string{
		fmt.Sprintf(
			`CREATE TRIGGER IF NOT EXISTS "__slipstream_%s_insert" AFTER INSERT ON "%s"
			BEGIN
				INSERT INTO %s (tbl, op, after, ts)
				VALUES ('%s', 0, %s, strftime('%%s', 'now'));
			END`,
			table, table, ChangeLogTable, table, newJSON),
		fmt.Sprintf(
			`CREATE TRIGGER IF NOT EXISTS "__slipstream_%s_update" AFTER UPDATE ON "%s"
			BEGIN
				INSERT INTO %s (tbl, op, before, after, ts)
				VALUES ('%s', 1, %s, %s, strftime('%%s', 'now'));
			END`,
			table, table, ChangeLogTable, table, oldJSON, newJSON),
		fmt.Sprintf(
			`CREATE TRIGGER IF NOT EXISTS "__slipstream_%s_delete" AFTER DELETE ON "%s"
			BEGIN
				INSERT INTO %s (tbl, op, before, ts)
				VALUES ('%s', 2, %s, strftime('%%s', 'now'));
			END`,
			table, table, ChangeLogTable, table, oldJSON),
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install trigger on %s: %w", table, err)
		}
	}
	return nil
}

// RemoveTriggers drops the capture triggers for one table.
func RemoveTriggers(ctx context.Context, db *sql.DB, table string) error {
	for _, kind := range []string{"insert", "update", "delete"} {
		stmt := fmt.Sprintf(`DROP TRIGGER IF EXISTS "__slipstream_%s_%s"`, table, kind)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rowJSON builds a json_object(...) expression over every column of the
// given trigger pseudo-row (OLD or NEW).
func rowJSON(ref string, cols []string) string {
	parts := make([]string, 0, len(cols)*2)
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("'%s'", col), fmt.Sprintf(`%s."%s"`, ref, col))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
