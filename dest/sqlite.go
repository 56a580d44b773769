// Package dest implements destination stores that change events and
// snapshot rows are applied to. The SQLite destination is the reference
// implementation used by sync and apply workers.
package dest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	goqu "github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/encoding"
)

const pkCacheSize = 256

// SQLite applies change events and snapshot rows to a SQLite database.
type SQLite struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	target  string

	// Primary key columns per table. Destination schemas do not change
	// under replication, so a small LRU is enough.
	pkCache *lru.Cache[string, []string]
}

// OpenSQLite opens (or creates) the destination database and verifies
// connectivity within connectTimeout.
func OpenSQLite(ctx context.Context, path string, connectTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &ConnectionError{Detail: err.Error(), Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ConnectionError{Detail: err.Error(), Err: err}
	}

	cache, err := lru.New[string, []string](pkCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Opened destination database")
	return &SQLite{
		db:      db,
		dialect: goqu.Dialect("sqlite3"),
		target:  path,
		pkCache: cache,
	}, nil
}

// Target returns the destination identifier (the database path).
func (s *SQLite) Target() string {
	return s.target
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ApplyEvent applies one change event. Constraint violations come back as
// ConflictError; the caller decides between halting (apply pipeline) and
// failing the task (sync).
func (s *SQLite) ApplyEvent(ctx context.Context, event common.ChangeEvent) error {
	switch event.Operation {
	case common.OpInsert:
		return s.applyInsert(ctx, event)
	case common.OpUpdate:
		return s.applyUpdate(ctx, event)
	case common.OpDelete:
		return s.applyDelete(ctx, event)
	case common.OpTruncate:
		return s.DeleteAllRows(ctx, event.Table)
	default:
		return fmt.Errorf("unknown operation %d for table %s", event.Operation, event.Table)
	}
}

func (s *SQLite) applyInsert(ctx context.Context, event common.ChangeEvent) error {
	record, err := decodeTuple(event.After)
	if err != nil {
		return fmt.Errorf("insert on %s: %w", event.Table, err)
	}
	if len(record) == 0 {
		return fmt.Errorf("insert on %s: empty tuple", event.Table)
	}

	query, args, err := s.dialect.Insert(event.Table).Rows(record).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("insert on %s: %w", event.Table, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExecError(event.Table, err)
	}
	return nil
}

func (s *SQLite) applyUpdate(ctx context.Context, event common.ChangeEvent) error {
	record, err := decodeTuple(event.After)
	if err != nil {
		return fmt.Errorf("update on %s: %w", event.Table, err)
	}
	if len(record) == 0 {
		return fmt.Errorf("update on %s: empty tuple", event.Table)
	}

	// WHERE uses the old tuple's primary key so the right row is found
	// even when the key itself changed.
	where, err := s.pkWhere(ctx, event.Table, event.Before, event.After)
	if err != nil {
		return err
	}

	query, args, err := s.dialect.Update(event.Table).Set(record).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("update on %s: %w", event.Table, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExecError(event.Table, err)
	}
	return nil
}

func (s *SQLite) applyDelete(ctx context.Context, event common.ChangeEvent) error {
	where, err := s.pkWhere(ctx, event.Table, event.Before, nil)
	if err != nil {
		return err
	}

	query, args, err := s.dialect.Delete(event.Table).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("delete on %s: %w", event.Table, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExecError(event.Table, err)
	}
	return nil
}

// UpsertRows bulk-loads snapshot rows with upsert semantics so a restarted
// snapshot copy stays idempotent. Rows that genuinely conflict with
// pre-existing foreign data still surface as ConflictError.
func (s *SQLite) UpsertRows(ctx context.Context, table string, rows []map[string][]byte) error {
	if len(rows) == 0 {
		return nil
	}

	pks, err := s.PrimaryKeys(ctx, table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin on %s: %w", table, err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		record, err := decodeTuple(row)
		if err != nil {
			return fmt.Errorf("load into %s: %w", table, err)
		}

		ds := s.dialect.Insert(table).Rows(record)
		if len(pks) > 0 {
			ds = ds.OnConflict(goqu.DoUpdate(strings.Join(pks, ","), record))
		}
		query, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("load into %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyExecError(table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyExecError(table, err)
	}
	return nil
}

// DeleteAllRows clears a table. Used for truncate events and before
// restarting a failed snapshot copy.
func (s *SQLite) DeleteAllRows(ctx context.Context, table string) error {
	query, args, err := s.dialect.Delete(table).ToSQL()
	if err != nil {
		return fmt.Errorf("truncate on %s: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classifyExecError(table, err)
	}
	return nil
}

// PrimaryKeys returns the table's primary key columns, LRU-cached.
func (s *SQLite) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	if pks, ok := s.pkCache.Get(table); ok {
		return pks, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info on %s: %w", table, err)
	}
	defer rows.Close()

	type pkCol struct {
		name  string
		order int
	}
	var pkCols []pkCol
	found := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("table_info on %s: %w", table, err)
		}
		found = true
		if pk > 0 {
			pkCols = append(pkCols, pkCol{name: name, order: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, &ConflictError{Table: table, Detail: "table does not exist on destination"}
	}

	pks := make([]string, len(pkCols))
	for _, c := range pkCols {
		pks[c.order-1] = c.name
	}

	s.pkCache.Add(table, pks)
	return pks, nil
}

// pkWhere builds a WHERE expression from the primary key values of the old
// tuple, falling back to the new tuple for columns the old one lacks.
func (s *SQLite) pkWhere(ctx context.Context, table string, before, after map[string][]byte) (goqu.Ex, error) {
	pks, err := s.PrimaryKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(pks) == 0 {
		return nil, &ConflictError{Table: table, Detail: "destination table has no primary key"}
	}

	where := goqu.Ex{}
	for _, pkCol := range pks {
		raw, ok := before[pkCol]
		if !ok {
			raw, ok = after[pkCol]
			if !ok {
				return nil, &ConflictError{Table: table, Detail: fmt.Sprintf("primary key column %s missing from change data", pkCol)}
			}
		}
		value, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode pk %s.%s: %w", table, pkCol, err)
		}
		where[pkCol] = value
	}
	return where, nil
}

// decodeTuple converts a msgpack-encoded column map into a goqu record.
func decodeTuple(tuple map[string][]byte) (goqu.Record, error) {
	record := make(goqu.Record, len(tuple))
	for col, raw := range tuple {
		value, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		record[col] = value
	}
	return record, nil
}

func decodeValue(raw []byte) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var value interface{}
	if err := encoding.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
