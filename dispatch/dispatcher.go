// Package dispatch fans the change feed out to subscriptions. One shared
// scan reads the feed; each live subscription gets the events its resolved
// publication admits, in feed order, on a bounded queue.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/telemetry"
)

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 100 * time.Millisecond
	DefaultQueueDepth   = 1024
	DefaultTrimInterval = time.Minute
)

// Config configures the dispatcher.
type Config struct {
	Feed         *feed.Log
	Publications *publication.Registry
	Slots        *slot.Manager
	BatchSize    int           // Events per feed read
	PollInterval time.Duration // Sleep when the feed has nothing new
	QueueDepth   int           // Bounded inbound queue per subscription
	TrimInterval time.Duration // How often the feed is trimmed to the retention floor

	// OnPublicationMissing fires once when a subscription's publication
	// stops resolving; dispatch for that subscription halts until it
	// resolves again.
	OnPublicationMissing func(subscription string, err error)
}

type pipe struct {
	name     string
	pubName  string
	slotName string
	queue    chan common.ChangeEvent

	// Last position delivered or deliberately skipped. Written only by the
	// dispatch loop, read by Progress.
	cursor atomic.Uint64

	// Touched only by the dispatch loop
	broken bool
}

// Dispatcher runs the shared fan-out loop.
type Dispatcher struct {
	config Config

	mu    sync.Mutex
	pipes map[string]*pipe

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	lastTrim time.Time
}

// NewDispatcher validates the config and applies defaults.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if config.Feed == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if config.Publications == nil {
		return nil, fmt.Errorf("publication registry is required")
	}
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = DefaultQueueDepth
	}
	if config.TrimInterval <= 0 {
		config.TrimInterval = DefaultTrimInterval
	}

	return &Dispatcher{
		config: config,
		pipes:  make(map[string]*pipe),
	}, nil
}

// Register adds a subscription's pipe starting after the given position
// and returns its inbound queue. The queue is never closed; consumers stop
// through their own lifecycle.
func (d *Dispatcher) Register(subscription, pubName, slotName string, startAfter uint64) (<-chan common.ChangeEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pipes[subscription]; exists {
		return nil, fmt.Errorf("subscription already registered: %s", subscription)
	}

	p := &pipe{
		name:     subscription,
		pubName:  pubName,
		slotName: slotName,
		queue:    make(chan common.ChangeEvent, d.config.QueueDepth),
	}
	p.cursor.Store(startAfter)
	d.pipes[subscription] = p

	log.Info().
		Str("subscription", subscription).
		Str("publication", pubName).
		Uint64("start_after", startAfter).
		Msg("Registered subscription with dispatcher")
	return p.queue, nil
}

// Unregister removes a subscription's pipe. Idempotent.
func (d *Dispatcher) Unregister(subscription string) {
	d.mu.Lock()
	_, existed := d.pipes[subscription]
	delete(d.pipes, subscription)
	d.mu.Unlock()

	if existed {
		log.Info().Str("subscription", subscription).Msg("Unregistered subscription from dispatcher")
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return
	}
	d.running.Store(true)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.lastTrim = time.Now()

	log.Info().Msg("Starting change dispatcher")
	go d.pollLoop()
}

// Stop halts the dispatch loop and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}
	close(d.stopCh)
	<-d.doneCh
	d.running.Store(false)
	log.Info().Msg("Change dispatcher stopped")
}

func (d *Dispatcher) pollLoop() {
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			return
		default:
			delivered := d.cycle()
			d.advanceRetention()
			if !delivered && !d.sleep(d.config.PollInterval) {
				return
			}
		}
	}
}

// cycle runs one dispatch pass. Returns true when any event was delivered,
// so the loop only sleeps on an idle feed.
func (d *Dispatcher) cycle() bool {
	pipes := d.snapshotPipes()
	if len(pipes) == 0 {
		return false
	}

	// Resolve each pipe's publication once per cycle; mid-cycle registry
	// changes take effect next cycle.
	filters := make(map[string]map[string]publication.OpFilter, len(pipes))
	active := pipes[:0]
	for _, p := range pipes {
		set, err := d.config.Publications.Resolve(p.pubName)
		if err != nil {
			var notFound *publication.NotFoundError
			if errors.As(err, &notFound) {
				d.markBroken(p, err)
			} else {
				log.Error().Err(err).Str("subscription", p.name).Msg("Failed to resolve publication")
			}
			continue
		}
		if p.broken {
			p.broken = false
			log.Info().Str("subscription", p.name).Msg("Publication resolves again, resuming dispatch")
		}

		tableOps := make(map[string]publication.OpFilter, len(set))
		for _, tf := range set {
			tableOps[tf.Table] = tf.Ops
		}
		filters[p.name] = tableOps
		active = append(active, p)
	}
	if len(active) == 0 {
		return false
	}

	// Single shared scan from the lowest cursor across live pipes
	min := active[0].cursor.Load()
	for _, p := range active[1:] {
		if c := p.cursor.Load(); c < min {
			min = c
		}
	}

	events, err := d.config.Feed.ReadFrom(min, d.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Uint64("cursor", min).Msg("Failed to read change feed")
		return false
	}
	if len(events) == 0 {
		return false
	}

	delivered := false
	for _, p := range active {
		backlogged := false
		for i := range events {
			event := &events[i]
			if event.Position <= p.cursor.Load() {
				continue
			}

			ops, subscribed := filters[p.name][event.Table]
			if !subscribed || !ops.Matches(event.Operation) {
				// Exactly-once skip: the cursor advances past filtered events
				p.cursor.Store(event.Position)
				telemetry.EventsFilteredTotal.Inc()
				continue
			}

			select {
			case p.queue <- *event:
				p.cursor.Store(event.Position)
				delivered = true
				telemetry.EventsDispatchedTotal.With(p.name).Inc()
			default:
				// Queue full: hold this pipe's cursor so feed retention
				// keeps the backlog, at the cost of retained feed growth.
				telemetry.DispatchPausedTotal.With(p.name).Inc()
				backlogged = true
			}
			if backlogged {
				break
			}
		}
		telemetry.QueueDepth.With(p.name).Set(float64(len(p.queue)))

		if !backlogged {
			// Restart position trails the confirmed position; withheld
			// while the subscription is backlogged.
			if s, ok := d.config.Slots.Get(p.slotName); ok && s.ConfirmedPosition > 0 {
				d.config.Slots.AdvanceRestart(p.slotName, s.ConfirmedPosition+1)
			}
		}
	}
	return delivered
}

// Progress describes how far dispatch has advanced for one subscription.
type Progress struct {
	Position uint64 // Last position delivered or filtered past
	QueueLen int    // Dispatched events not yet consumed
}

// Progress reports a registered subscription's dispatch progress. The
// position moves past filtered events too, so it reaches the feed head
// even when the publication covers none of the recent traffic.
func (d *Dispatcher) Progress(subscription string) (Progress, bool) {
	d.mu.Lock()
	p, ok := d.pipes[subscription]
	d.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return Progress{Position: p.cursor.Load(), QueueLen: len(p.queue)}, true
}

// advanceRetention propagates the slot floor to the feed and trims on the
// configured interval.
func (d *Dispatcher) advanceRetention() {
	min, ok := d.config.Slots.MinRestartPosition()
	if !ok || min == 0 {
		return
	}
	if err := d.config.Feed.RetainFrom(min); err != nil {
		log.Warn().Err(err).Msg("Failed to advance feed retention floor")
		return
	}

	if time.Since(d.lastTrim) >= d.config.TrimInterval {
		d.lastTrim = time.Now()
		if err := d.config.Feed.Trim(); err != nil {
			log.Warn().Err(err).Msg("Failed to trim change feed")
		}
	}
}

func (d *Dispatcher) markBroken(p *pipe, err error) {
	if p.broken {
		return
	}
	p.broken = true
	log.Warn().
		Err(err).
		Str("subscription", p.name).
		Str("publication", p.pubName).
		Msg("Publication missing, dispatch halted for subscription")
	if d.config.OnPublicationMissing != nil {
		d.config.OnPublicationMissing(p.name, err)
	}
}

func (d *Dispatcher) snapshotPipes() []*pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*pipe, 0, len(d.pipes))
	for _, p := range d.pipes {
		out = append(out, p)
	}
	return out
}

func (d *Dispatcher) sleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-d.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
