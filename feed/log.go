// Package feed implements the ordered change-event feed the control plane
// consumes. Events are appended with monotonically increasing positions and
// retained at least back to the retention floor dictated by the slot table.
package feed

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/encoding"
	"github.com/slipstream-db/slipstream/telemetry"
)

// Key prefixes for pebble storage
const (
	prefixEvent = "/feed/"     // /feed/{8-byte big-endian position}
	keyNextPos  = "/feedpos"   // next position counter
	keyFloor    = "/feedfloor" // retention floor
)

// Pebble tuning for an append-mostly workload
const (
	memTableSize                = 64 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20
	maxConcurrentCompactions    = 3
)

const defaultReadLimit = 100

// Log is a pebble-backed ordered change feed.
type Log struct {
	db   *pebble.DB
	path string

	// Highest assigned position (atomic)
	head atomic.Uint64

	// Lowest position that must be retained for slots
	floor atomic.Uint64

	appendMu sync.Mutex
	trimMu   sync.Mutex
	closed   atomic.Bool
}

// Open creates or opens the change feed under dataDir.
func Open(dataDir string) (*Log, error) {
	logPath := filepath.Join(dataDir, "change_feed")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change feed at %s: %w", logPath, err)
	}

	l := &Log{
		db:   db,
		path: logPath,
	}

	if err := l.loadCounter(keyNextPos, &l.head); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load feed head: %w", err)
	}
	if err := l.loadCounter(keyFloor, &l.floor); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load retention floor: %w", err)
	}

	return l, nil
}

func (l *Log) loadCounter(key string, into *atomic.Uint64) error {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		into.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	v, err := encoding.ParsePosition(val)
	if err != nil {
		return err
	}
	into.Store(v)
	return nil
}

func eventKey(pos uint64) []byte {
	key := make([]byte, 0, len(prefixEvent)+8)
	key = append(key, prefixEvent...)
	return append(key, encoding.PositionBytes(pos)...)
}

// Append assigns positions to events and commits them durably.
// The input slice is modified: Position is set on each event.
func (l *Log) Append(events []common.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return fmt.Errorf("change feed is closed")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	pos := l.head.Load()

	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range events {
		pos++
		events[i].Position = pos

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(pos), val, pebble.Sync); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keyNextPos), encoding.PositionBytes(pos), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update feed head: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit feed batch: %w", err)
	}

	// Publish the new head only after a successful commit
	l.head.Store(pos)
	telemetry.FeedHeadPosition.Set(float64(pos))

	return nil
}

// ReadFrom returns up to limit events with positions strictly greater
// than after, in position order.
func (l *Log) ReadFrom(after uint64, limit int) ([]common.ChangeEvent, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("change feed is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]common.ChangeEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event common.ChangeEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			// Fail stopped: a corrupt entry halts the read rather than
			// silently losing an event.
			pos, perr := encoding.ParsePosition(iter.Key()[len(prefixEvent):])
			if perr != nil {
				return nil, fmt.Errorf("corrupt change event: %w", err)
			}
			return nil, fmt.Errorf("corrupt change event at position %d: %w", pos, err)
		}
		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// Head returns the highest assigned position, 0 when the feed is empty.
func (l *Log) Head() uint64 {
	return l.head.Load()
}

// RetainFrom raises the retention floor: data at or above pos is kept,
// older entries become eligible for trimming. Lowering the floor is a
// no-op since already-trimmed data cannot come back.
func (l *Log) RetainFrom(pos uint64) error {
	if l.closed.Load() {
		return fmt.Errorf("change feed is closed")
	}

	for {
		cur := l.floor.Load()
		if pos <= cur {
			return nil
		}
		if l.floor.CompareAndSwap(cur, pos) {
			break
		}
	}

	if err := l.db.Set([]byte(keyFloor), encoding.PositionBytes(pos), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist retention floor: %w", err)
	}
	telemetry.FeedRetainedFloor.Set(float64(pos))
	return nil
}

// Trim deletes entries strictly below the retention floor.
func (l *Log) Trim() error {
	l.trimMu.Lock()
	defer l.trimMu.Unlock()

	if l.closed.Load() {
		return fmt.Errorf("change feed is closed")
	}

	floor := l.floor.Load()
	if floor == 0 {
		return nil
	}

	start := []byte(prefixEvent)
	end := eventKey(floor)
	if err := l.db.DeleteRange(start, end, pebble.Sync); err != nil {
		return fmt.Errorf("failed to trim change feed: %w", err)
	}

	telemetry.FeedTrimsTotal.Inc()
	log.Debug().Uint64("floor", floor).Msg("Trimmed change feed below retention floor")
	return nil
}

// Close closes the underlying pebble database.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("change feed already closed")
	}
	return l.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
