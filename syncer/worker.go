package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/telemetry"
)

const (
	DefaultBatchRows       = 1000
	DefaultProgressTimeout = 30 * time.Second
	DefaultRetryInitial    = 200 * time.Millisecond
	DefaultRetryMax        = 10 * time.Second
	DefaultMaxRetries      = 10
)

// Config configures one table snapshot copy.
type Config struct {
	Subscription    string
	Table           string
	Slots           *slot.Manager
	Source          Source
	Dest            Destination
	SpoolDir        string        // Directory for the on-disk row spool
	BatchRows       int           // Rows per source read batch
	ProgressTimeout time.Duration // Max time per batch before the copy is failed
	RetryInitial    time.Duration
	RetryMax        time.Duration
	MaxRetries      int
}

// Worker copies one table's existing rows to the destination under a
// temporary slot, then reports the snapshot position for catch-up.
type Worker struct {
	config Config
}

// NewWorker validates the config and applies defaults.
func NewWorker(config Config) (*Worker, error) {
	if config.Subscription == "" {
		return nil, fmt.Errorf("subscription name is required")
	}
	if config.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if config.Dest == nil {
		return nil, fmt.Errorf("destination is required")
	}

	if config.BatchRows <= 0 {
		config.BatchRows = DefaultBatchRows
	}
	if config.ProgressTimeout <= 0 {
		config.ProgressTimeout = DefaultProgressTimeout
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{config: config}, nil
}

// SlotName returns the temporary slot name this worker allocates.
func (w *Worker) SlotName() string {
	return fmt.Sprintf("%s_sync_%s", w.config.Subscription, w.config.Table)
}

// Run performs the copy and returns the snapshot position. Snapshots are
// not resumable mid-copy: every retry restarts from an empty destination
// table at a fresh consistent read point. Conflicts on the destination are
// fatal and returned without retry; everything else retries with backoff
// up to MaxRetries. The temporary slot is released on every exit path.
func (w *Worker) Run(ctx context.Context) (uint64, error) {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		pos, err := w.attempt(ctx)
		if err == nil {
			return pos, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if dest.IsConflict(err) {
			// Operator precondition failure, never auto-retried
			return 0, err
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return 0, fmt.Errorf("sync of table %s failed after %d attempts: %w", w.config.Table, attempts, err)
		}

		log.Warn().
			Err(err).
			Str("subscription", w.config.Subscription).
			Str("table", w.config.Table).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Table sync failed, retrying from scratch")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

func (w *Worker) attempt(ctx context.Context) (snapshotPos uint64, err error) {
	started := time.Now()
	slotName := w.SlotName()

	if _, err := w.config.Slots.Allocate(slotName, slot.Temporary, w.config.Subscription); err != nil {
		var dup *slot.DuplicateError
		if errors.As(err, &dup) {
			// Leftover from an aborted attempt; reclaim it
			w.config.Slots.Release(slotName)
			if _, err = w.config.Slots.Allocate(slotName, slot.Temporary, w.config.Subscription); err != nil {
				return 0, err
			}
		} else {
			return 0, err
		}
	}
	defer w.config.Slots.Release(slotName)

	reader, snapshotPos, err := w.config.Source.Snapshot(ctx, w.config.Table)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot of %s: %w", w.config.Table, err)
	}
	defer reader.Close()

	// Pin the feed from the snapshot read point while the copy runs
	w.config.Slots.AdvanceRestart(slotName, snapshotPos)

	spool, err := newSpoolWriter(w.config.SpoolDir, w.config.Table)
	if err != nil {
		return 0, err
	}
	defer spool.Discard()

	// Read phase: drain the consistent reader into the spool
	for {
		batchCtx, cancel := context.WithTimeout(ctx, w.config.ProgressTimeout)
		rows, err := reader.Next(batchCtx, w.config.BatchRows)
		cancel()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read snapshot batch of %s: %w", w.config.Table, err)
		}
		if err := spool.WriteChunk(rows); err != nil {
			return 0, err
		}
	}

	// Load phase: restart from an empty table so a previous partial copy
	// cannot conflict with this one, then replay the spool.
	if err := w.config.Dest.DeleteAllRows(ctx, w.config.Table); err != nil {
		return 0, err
	}

	sr, err := spool.Reader()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for {
		chunk, err := sr.NextChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		loadCtx, cancel := context.WithTimeout(ctx, w.config.ProgressTimeout)
		err = w.config.Dest.UpsertRows(loadCtx, w.config.Table, chunk)
		cancel()
		if err != nil {
			return 0, err
		}
		loaded += len(chunk)
		telemetry.SyncRowsCopiedTotal.Add(float64(len(chunk)))
	}

	telemetry.SyncDurationSeconds.Observe(time.Since(started).Seconds())
	log.Info().
		Str("subscription", w.config.Subscription).
		Str("table", w.config.Table).
		Int("rows", loaded).
		Uint64("snapshot_position", snapshotPos).
		Dur("took", time.Since(started)).
		Msg("Table snapshot copy complete")

	return snapshotPos, nil
}
