// Package source implements the origin database adapters. The SQLite
// source serves the live table catalog for publication resolution and
// consistent snapshot reads for initial table copies.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	goqu "github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/capture"
	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/encoding"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/syncer"
)

// SQLite reads the origin database. Snapshot reads run inside a read
// transaction so a copy sees one point in time while writes continue.
type SQLite struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	feed    *feed.Log
	capture *capture.Worker
}

// Open opens the origin database and verifies connectivity within
// connectTimeout.
func Open(ctx context.Context, path string, changeFeed *feed.Log, connectTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &dest.ConnectionError{Detail: err.Error(), Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &dest.ConnectionError{Detail: err.Error(), Err: err}
	}

	log.Debug().Str("path", path).Msg("Opened origin database")
	return &SQLite{
		db:      db,
		dialect: goqu.Dialect("sqlite3"),
		feed:    changeFeed,
	}, nil
}

// DB exposes the underlying handle for the capture triggers.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// AttachCapture ties snapshots to the trigger capture pipeline. Changes
// committed before a snapshot opens may still sit undrained in the change
// log; a snapshot then fences capture and drains them first, so its
// reported position covers exactly the changes it contains. Attach after
// the worker has started (the change log table must exist).
func (s *SQLite) AttachCapture(w *capture.Worker) {
	s.capture = w
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ListTables returns the user tables of the origin database. Internal
// SQLite tables are excluded. Errors surface as an empty catalog; an
// all-tables publication then resolves to nothing until the origin is
// reachable again.
func (s *SQLite) ListTables() []string {
	rows, err := s.db.Query(
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '\_\_slipstream\_%' ESCAPE '\'
		 ORDER BY name`,
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list origin tables")
		return nil
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Warn().Err(err).Msg("Failed to scan origin table name")
			return nil
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to list origin tables")
		return nil
	}
	return tables
}

// Snapshot opens a consistent read of one table. The returned position
// covers every change the snapshot contains: changes it does not contain
// get higher feed positions. With capture attached the snapshot fences
// drains, flushes the change-log rows its view includes, and only then
// takes the feed head.
func (s *SQLite) Snapshot(ctx context.Context, table string) (syncer.SnapshotReader, uint64, error) {
	var fence *capture.Fence
	if s.capture != nil {
		fence = s.capture.Fence()
		defer fence.Release()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, &dest.ConnectionError{Detail: err.Error(), Err: err}
	}

	if fence != nil {
		// The first read pins the transaction's view. Every change this
		// snapshot can see is either already in the feed or sits in the
		// change log at or below lastID; later changes stay held back by
		// the fence until the position is taken.
		var lastID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) FROM `+capture.ChangeLogTable,
		).Scan(&lastID); err != nil {
			tx.Rollback()
			return nil, 0, fmt.Errorf("failed to fence snapshot of %s: %w", table, err)
		}
		if err := fence.DrainThrough(ctx, lastID); err != nil {
			tx.Rollback()
			return nil, 0, fmt.Errorf("failed to fence snapshot of %s: %w", table, err)
		}
	}

	query, _, err := s.dialect.From(table).ToSQL()
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}

	// Without capture the query itself pins the view no later than the
	// head read below.
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return nil, 0, fmt.Errorf("failed to open snapshot of %s: %w", table, err)
	}
	position := s.feed.Head()

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		tx.Rollback()
		return nil, 0, err
	}

	return &snapshotReader{tx: tx, rows: rows, cols: cols}, position, nil
}

type snapshotReader struct {
	tx   *sql.Tx
	rows *sql.Rows
	cols []string
}

// Next returns up to max rows, each column msgpack-encoded the same way
// change events carry tuples. io.EOF ends the snapshot.
func (r *snapshotReader) Next(ctx context.Context, max int) (syncer.RowBatch, error) {
	batch := make(syncer.RowBatch, 0, max)
	for len(batch) < max && r.rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw := make([]any, len(r.cols))
		ptrs := make([]any, len(r.cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string][]byte, len(r.cols))
		for i, col := range r.cols {
			encoded, err := encoding.Marshal(raw[i])
			if err != nil {
				return nil, err
			}
			row[col] = encoded
		}
		batch = append(batch, row)
	}
	if err := r.rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (r *snapshotReader) Close() error {
	r.rows.Close()
	return r.tx.Rollback()
}
