// Package syncer implements the one-time snapshot copy of a table's
// existing rows to a destination, the first phase of a subscription's life.
package syncer

import "context"

// RowBatch is one batch of snapshot rows, column name to msgpack-encoded
// value, the same tuple shape change events carry.
type RowBatch []map[string][]byte

// SnapshotReader streams the rows of one table at a fixed read point.
type SnapshotReader interface {
	// Next returns up to max rows. io.EOF signals the end of the table.
	Next(ctx context.Context, max int) (RowBatch, error)
	Close() error
}

// Source opens consistent table snapshots on the primary. The returned
// position is the feed position the snapshot reflects: every event at or
// before it is already contained in the snapshot rows.
type Source interface {
	Snapshot(ctx context.Context, table string) (SnapshotReader, uint64, error)
}

// Destination receives snapshot rows. Loads must be idempotent (upsert)
// so a restarted copy converges instead of conflicting with itself.
type Destination interface {
	UpsertRows(ctx context.Context, table string, rows []map[string][]byte) error
	DeleteAllRows(ctx context.Context, table string) error
}
