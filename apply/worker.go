// Package apply drains a subscription's dispatched events into the
// destination, in order, advancing the slot's confirmed position behind
// each durably applied event.
package apply

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/telemetry"
)

const (
	DefaultRetryInitial = 200 * time.Millisecond
	DefaultRetryMax     = 10 * time.Second
	DefaultMaxRetries   = 10

	gateRecheckInterval = 20 * time.Millisecond
)

// GateDecision tells the worker what to do with one event while a
// per-table sync may still be in flight.
type GateDecision uint8

const (
	// GateApply lets the event through to the destination.
	GateApply GateDecision = iota
	// GateSkip drops the event but still confirms its position; the
	// snapshot that is copying the table already contains this change.
	GateSkip
	// GateWait holds the event, and everything behind it, until the
	// table's sync settles one way or the other.
	GateWait
)

// Destination is the part of the apply target the worker needs.
type Destination interface {
	ApplyEvent(ctx context.Context, event common.ChangeEvent) error
}

// Config configures one subscription's apply worker.
type Config struct {
	Subscription string
	SlotName     string
	Slots        *slot.Manager
	Dest         Destination
	Queue        <-chan common.ChangeEvent

	// Gate is consulted per event when set; nil means apply everything.
	Gate func(table string, position uint64) GateDecision

	// OnError fires when the pipeline halts. The position is the event
	// that could not be applied; the confirmed position stays at the
	// last success, so a later resume replays from there.
	OnError func(position uint64, err error)

	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// Worker applies dispatched events one at a time.
type Worker struct {
	config Config

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates the config and applies defaults.
func NewWorker(config Config) (*Worker, error) {
	if config.Subscription == "" {
		return nil, fmt.Errorf("subscription name is required")
	}
	if config.SlotName == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}
	if config.Dest == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("event queue is required")
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

// Start launches the apply loop.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("subscription", w.config.Subscription).Msg("Starting apply worker")
	go w.applyLoop()
}

// Stop halts the apply loop and waits for it to finish. Events already
// confirmed stay confirmed; the event in flight, if any, is abandoned and
// replayed on the next start.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)
	log.Info().Str("subscription", w.config.Subscription).Msg("Apply worker stopped")
}

func (w *Worker) applyLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event := <-w.config.Queue:
			if !w.handle(event) {
				return
			}
		}
	}
}

// handle processes one event; false halts the loop.
func (w *Worker) handle(event common.ChangeEvent) bool {
	if w.config.Gate != nil {
		for {
			decision := w.config.Gate(event.Table, event.Position)
			if decision == GateApply {
				break
			}
			if decision == GateSkip {
				// Covered by the snapshot copy; confirm and move on
				w.config.Slots.Advance(w.config.SlotName, event.Position)
				return true
			}
			if !w.sleep(gateRecheckInterval) {
				return false
			}
		}
	}

	delay := w.config.RetryInitial
	attempts := 0
	for {
		started := time.Now()
		err := w.config.Dest.ApplyEvent(context.Background(), event)
		if err == nil {
			telemetry.ApplyDurationSeconds.Observe(time.Since(started).Seconds())
			telemetry.EventsAppliedTotal.With(w.config.Subscription).Inc()
			w.config.Slots.Advance(w.config.SlotName, event.Position)
			return true
		}

		if dest.IsConflict(err) {
			// Needs operator intervention; retrying cannot fix the schema
			telemetry.ApplyConflictsTotal.Inc()
			w.halt(event.Position, err)
			return false
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			w.halt(event.Position, fmt.Errorf("apply failed after %d attempts: %w", attempts, err))
			return false
		}

		log.Warn().
			Err(err).
			Str("subscription", w.config.Subscription).
			Uint64("position", event.Position).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Apply failed, retrying")

		if !w.sleep(delay) {
			return false
		}
		delay *= 2
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

func (w *Worker) halt(position uint64, err error) {
	log.Error().
		Err(err).
		Str("subscription", w.config.Subscription).
		Uint64("position", position).
		Msg("Apply pipeline halted")
	if w.config.OnError != nil {
		w.config.OnError(position, err)
	}
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
