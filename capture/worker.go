package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/encoding"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/telemetry"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultBatchSize       = 500
	DefaultRefreshInterval = 5 * time.Second
)

// Catalog lists the tables that should carry capture triggers.
type Catalog interface {
	ListTables() []string
}

// Config configures the capture worker.
type Config struct {
	DB      *sql.DB
	Feed    *feed.Log
	Catalog Catalog

	PollInterval    time.Duration // Sleep when the change log is empty
	BatchSize       int           // Change log rows per drain pass
	RefreshInterval time.Duration // How often new catalog tables get triggers
}

// Worker drains the origin change log into the feed. Delivery is
// at-least-once: a crash between append and cleanup replays the batch.
type Worker struct {
	config Config

	mu        sync.Mutex
	triggered map[string]bool

	// Serializes drains so a snapshot fence can hold them off
	drainMu sync.Mutex

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	lastRefresh time.Time
}

// NewWorker validates the config and applies defaults.
func NewWorker(config Config) (*Worker, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("origin database is required")
	}
	if config.Feed == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if config.Catalog == nil {
		return nil, fmt.Errorf("table catalog is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}

	return &Worker{
		config:    config,
		triggered: make(map[string]bool),
	}, nil
}

// Start installs triggers for the current catalog and launches the drain
// loop.
func (w *Worker) Start() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}

	ctx := context.Background()
	if err := EnsureChangeLog(ctx, w.config.DB); err != nil {
		return fmt.Errorf("failed to create change log table: %w", err)
	}
	if err := w.refreshTriggers(ctx); err != nil {
		return err
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.lastRefresh = time.Now()

	log.Info().Msg("Starting change capture")
	go w.pollLoop()
	return nil
}

// Stop halts the drain loop and waits for it to finish. Triggers stay
// installed; changes keep accumulating in the change log until the next
// start.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
	log.Info().Msg("Change capture stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			ctx := context.Background()
			if time.Since(w.lastRefresh) >= w.config.RefreshInterval {
				w.lastRefresh = time.Now()
				if err := w.refreshTriggers(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to refresh capture triggers")
				}
			}

			drained, err := w.drain(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to drain change log")
			}
			if drained == 0 && !w.sleep(w.config.PollInterval) {
				return
			}
		}
	}
}

// refreshTriggers installs triggers for catalog tables seen for the first
// time. Tables removed from the catalog keep their triggers; dispatch-side
// filtering keeps their events out of subscriptions.
func (w *Worker) refreshTriggers(ctx context.Context) error {
	for _, table := range w.config.Catalog.ListTables() {
		if strings.HasPrefix(table, "__slipstream_") {
			continue
		}

		w.mu.Lock()
		done := w.triggered[table]
		w.mu.Unlock()
		if done {
			continue
		}

		if err := InstallTriggers(ctx, w.config.DB, table); err != nil {
			return err
		}
		w.mu.Lock()
		w.triggered[table] = true
		w.mu.Unlock()
		log.Debug().Str("table", table).Msg("Installed capture triggers")
	}
	return nil
}

// drain moves one batch from the change log into the feed.
func (w *Worker) drain(ctx context.Context) (int, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()
	return w.drainLocked(ctx, 0)
}

// drainLocked requires drainMu. A maxID above zero bounds the drain to
// change-log rows at or below it.
func (w *Worker) drainLocked(ctx context.Context, maxID int64) (int, error) {
	query := fmt.Sprintf(
		`SELECT id, tbl, op, before, after, ts FROM %s ORDER BY id LIMIT %d`,
		ChangeLogTable, w.config.BatchSize,
	)
	if maxID > 0 {
		query = fmt.Sprintf(
			`SELECT id, tbl, op, before, after, ts FROM %s WHERE id <= %d ORDER BY id LIMIT %d`,
			ChangeLogTable, maxID, w.config.BatchSize,
		)
	}
	rows, err := w.config.DB.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}

	var events []common.ChangeEvent
	var lastID int64
	for rows.Next() {
		var (
			id         int64
			table      string
			op         uint8
			before     sql.NullString
			after      sql.NullString
			commitUnix int64
		)
		if err := rows.Scan(&id, &table, &op, &before, &after, &commitUnix); err != nil {
			rows.Close()
			return 0, err
		}

		event := common.ChangeEvent{
			Table:     table,
			Operation: op,
			CommitTS:  commitUnix,
		}
		if event.Before, err = decodeRowJSON(before); err != nil {
			rows.Close()
			return 0, fmt.Errorf("bad change log row %d: %w", id, err)
		}
		if event.After, err = decodeRowJSON(after); err != nil {
			rows.Close()
			return 0, fmt.Errorf("bad change log row %d: %w", id, err)
		}
		events = append(events, event)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(events) == 0 {
		return 0, nil
	}

	// Append first, clean up after: a crash in between replays the batch
	// rather than losing it.
	if err := w.config.Feed.Append(events); err != nil {
		return 0, err
	}
	if _, err := w.config.DB.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id <= %d`, ChangeLogTable, lastID,
	)); err != nil {
		return 0, err
	}

	telemetry.EventsCapturedTotal.Add(float64(len(events)))
	return len(events), nil
}

// Fence holds drains off so a caller can line a snapshot up with the feed:
// acquire the fence, pin the snapshot view, note the highest change-log id
// it contains, drain through that id, and the feed head is then exactly the
// position of the last change inside the snapshot. Release must be called.
type Fence struct {
	w        *Worker
	released bool
}

// Fence blocks concurrent drains until Release.
func (w *Worker) Fence() *Fence {
	w.drainMu.Lock()
	return &Fence{w: w}
}

// DrainThrough appends every change-log row with id at or below lastID to
// the feed. Rows above lastID stay put until the fence is released.
func (f *Fence) DrainThrough(ctx context.Context, lastID int64) error {
	if lastID <= 0 {
		return nil
	}
	for {
		n, err := f.w.drainLocked(ctx, lastID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Release resumes normal draining. Idempotent.
func (f *Fence) Release() {
	if f.released {
		return
	}
	f.released = true
	f.w.drainMu.Unlock()
}

// decodeRowJSON converts a trigger-built json_object tuple into the
// msgpack-per-column representation change events carry.
func decodeRowJSON(raw sql.NullString) (map[string][]byte, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var tuple map[string]any
	if err := json.Unmarshal([]byte(raw.String), &tuple); err != nil {
		return nil, err
	}

	row := make(map[string][]byte, len(tuple))
	for col, val := range tuple {
		encoded, err := encoding.Marshal(val)
		if err != nil {
			return nil, err
		}
		row[col] = encoded
	}
	return row, nil
}

func (w *Worker) sleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
