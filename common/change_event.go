package common

import "fmt"

// Operation codes carried on every change event.
const (
	OpInsert   uint8 = 0
	OpUpdate   uint8 = 1
	OpDelete   uint8 = 2
	OpTruncate uint8 = 3
)

// OperationName returns the lowercase name for an operation code.
func OperationName(op uint8) string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpTruncate:
		return "truncate"
	default:
		return fmt.Sprintf("unknown(%d)", op)
	}
}

// ChangeEvent is a single decoded row-level change from the primary's feed.
// Events are immutable after emission; Position is assigned by the feed and
// is totally ordered within one source.
type ChangeEvent struct {
	Position  uint64            `msgpack:"pos"`    // Monotonic feed position
	TxnID     uint64            `msgpack:"txn"`    // Originating transaction
	Table     string            `msgpack:"tbl"`    // Table name
	Operation uint8             `msgpack:"op"`     // OpInsert/OpUpdate/OpDelete/OpTruncate
	Before    map[string][]byte `msgpack:"before"` // Old values (msgpack encoded), nil for inserts
	After     map[string][]byte `msgpack:"after"`  // New values (msgpack encoded), nil for deletes
	CommitTS  int64             `msgpack:"ts"`     // Commit timestamp (unix ms)
}
