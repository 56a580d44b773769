package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/apply"
	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/dispatch"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/syncer"
	"github.com/slipstream-db/slipstream/telemetry"
)

const DefaultCatchupPollInterval = 100 * time.Millisecond

// Destination is everything a subscription writes to: streamed events and
// bulk snapshot loads.
type Destination interface {
	ApplyEvent(ctx context.Context, event common.ChangeEvent) error
	UpsertRows(ctx context.Context, table string, rows []map[string][]byte) error
	DeleteAllRows(ctx context.Context, table string) error
}

// Config wires the manager to the rest of the pipeline.
type Config struct {
	Slots        *slot.Manager
	Publications *publication.Registry
	Feed         *feed.Log
	Dispatcher   *dispatch.Dispatcher
	Source       syncer.Source
	Dest         Destination
	SpoolDir     string

	CopyBatchRows   int
	ProgressTimeout time.Duration
	SyncRetryInitial,
	ApplyRetryInitial time.Duration
	SyncRetryMax,
	ApplyRetryMax time.Duration
	SyncMaxRetries,
	ApplyMaxRetries int

	// CatchupPollInterval is how often catch-up progress is re-checked.
	CatchupPollInterval time.Duration
}

type task struct {
	table     string
	state     TaskState
	watermark uint64 // Snapshot position; events at or below it are already copied
	err       error
}

type subscription struct {
	name     string
	pubName  string
	slotName string
	copyData bool

	mu         sync.Mutex
	state      State
	lastError  error
	pubMissing bool
	tasks      map[string]*task

	queue  <-chan common.ChangeEvent
	applyW *apply.Worker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Manager owns all subscriptions on this node.
type Manager struct {
	config Config
	subs   *xsync.MapOf[string, *subscription]
}

// NewManager validates the config and applies defaults.
func NewManager(config Config) (*Manager, error) {
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}
	if config.Publications == nil {
		return nil, fmt.Errorf("publication registry is required")
	}
	if config.Feed == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if config.Dest == nil {
		return nil, fmt.Errorf("destination is required")
	}
	if config.CatchupPollInterval <= 0 {
		config.CatchupPollInterval = DefaultCatchupPollInterval
	}

	return &Manager{
		config: config,
		subs:   xsync.NewMapOf[string, *subscription](),
	}, nil
}

// SlotName returns the permanent slot a subscription of this name owns.
func SlotName(subscription string) string {
	return "sub_" + subscription
}

// Create builds a subscription against an existing publication. Creation is
// atomic: the publication is resolved and the permanent slot allocated
// before any record exists, so a failure leaves nothing behind.
func (m *Manager) Create(name, pubName string, copyData bool) error {
	if name == "" {
		return fmt.Errorf("subscription name is required")
	}
	if _, exists := m.subs.Load(name); exists {
		return fmt.Errorf("subscription already exists: %s", name)
	}

	tables, err := m.config.Publications.Resolve(pubName)
	if err != nil {
		return err
	}

	slotName := SlotName(name)
	if _, err := m.config.Slots.Allocate(slotName, slot.Permanent, name); err != nil {
		return err
	}

	// The subscription starts at the feed position of its creation; older
	// events are covered by the initial copy, or deliberately out of scope.
	head := m.config.Feed.Head()
	if head > 0 {
		m.config.Slots.Advance(slotName, head)
	}
	m.config.Slots.AdvanceRestart(slotName, head+1)

	sub := &subscription{
		name:     name,
		pubName:  pubName,
		slotName: slotName,
		copyData: copyData,
		state:    StateInitializing,
		tasks:    make(map[string]*task),
	}
	if copyData {
		for _, tf := range tables {
			sub.tasks[tf.Table] = &task{table: tf.Table, state: TaskPending}
		}
	}

	if _, loaded := m.subs.LoadOrStore(name, sub); loaded {
		m.config.Slots.Release(slotName)
		return fmt.Errorf("subscription already exists: %s", name)
	}

	log.Info().
		Str("subscription", name).
		Str("publication", pubName).
		Bool("copy_data", copyData).
		Uint64("start_position", head).
		Msg("Created subscription")
	telemetry.SubscriptionState.With(StateInitializing.String()).Inc()

	return m.launch(sub, head)
}

// launch registers the dispatch pipe at startAfter, starts the apply worker
// and, when tasks are outstanding, the sync runners.
func (m *Manager) launch(sub *subscription, startAfter uint64) error {
	queue, err := m.config.Dispatcher.Register(sub.name, sub.pubName, sub.slotName, startAfter)
	if err != nil {
		return err
	}

	applyW, err := apply.NewWorker(apply.Config{
		Subscription: sub.name,
		SlotName:     sub.slotName,
		Slots:        m.config.Slots,
		Dest:         m.config.Dest,
		Queue:        queue,
		Gate:         m.gateFor(sub),
		OnError: func(position uint64, err error) {
			m.enterError(sub, "apply", err)
		},
		RetryInitial: m.config.ApplyRetryInitial,
		RetryMax:     m.config.ApplyRetryMax,
		MaxRetries:   m.config.ApplyMaxRetries,
	})
	if err != nil {
		m.config.Dispatcher.Unregister(sub.name)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	sub.mu.Lock()
	sub.queue = queue
	sub.applyW = applyW
	sub.ctx = ctx
	sub.cancel = cancel
	pending := pendingTasks(sub)
	if len(pending) > 0 {
		m.transition(sub, StatePerTableSync)
	} else {
		m.transition(sub, StateCatchingUp)
	}
	sub.mu.Unlock()

	applyW.Start()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		m.runSyncPhase(ctx, sub, pending)
		m.monitor(ctx, sub)
	}()
	return nil
}

// pendingTasks must be called with sub.mu held.
func pendingTasks(sub *subscription) []*task {
	var out []*task
	for _, t := range sub.tasks {
		if t.state == TaskPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].table < out[j].table })
	return out
}

// runSyncPhase copies each pending table under its own temporary slot.
// Tables sync one at a time so temporary slot demand stays at one above
// the permanent allocation.
func (m *Manager) runSyncPhase(ctx context.Context, sub *subscription, pending []*task) {
	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}

		sub.mu.Lock()
		t.state = TaskCopying
		sub.mu.Unlock()
		telemetry.SyncTasksTotal.With("started").Inc()

		w, err := syncer.NewWorker(syncer.Config{
			Subscription:    sub.name,
			Table:           t.table,
			Slots:           m.config.Slots,
			Source:          m.config.Source,
			Dest:            m.config.Dest,
			SpoolDir:        m.config.SpoolDir,
			BatchRows:       m.config.CopyBatchRows,
			ProgressTimeout: m.config.ProgressTimeout,
			RetryInitial:    m.config.SyncRetryInitial,
			RetryMax:        m.config.SyncRetryMax,
			MaxRetries:      m.config.SyncMaxRetries,
		})
		if err == nil {
			var pos uint64
			pos, err = w.Run(ctx)
			if err == nil {
				sub.mu.Lock()
				t.watermark = pos
				t.state = TaskCatchingUp
				sub.mu.Unlock()
				telemetry.SyncTasksTotal.With("done").Inc()
				continue
			}
		}

		sub.mu.Lock()
		t.state = TaskFailed
		t.err = err
		sub.mu.Unlock()
		telemetry.SyncTasksTotal.With("failed").Inc()
		if ctx.Err() == nil {
			m.enterError(sub, "sync", fmt.Errorf("sync of table %s: %w", t.table, err))
		}
		return
	}
}

// monitor walks the subscription from catch-up into streaming and keeps the
// sync tasks' catch-up accounting current.
func (m *Manager) monitor(ctx context.Context, sub *subscription) {
	ticker := time.NewTicker(m.config.CatchupPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s, ok := m.config.Slots.Get(sub.slotName)
		if !ok {
			return
		}
		confirmed := s.ConfirmedPosition
		head := m.config.Feed.Head()

		// Progress judged against the dispatch cursor, not confirmed alone:
		// events the publication filters out never reach the apply worker,
		// so confirmed stalls under uncovered traffic while the cursor
		// keeps moving. Delivered-but-unconsumed events hold idle false.
		scanned := confirmed
		idle := true
		if pr, ok := m.config.Dispatcher.Progress(sub.name); ok {
			scanned = pr.Position
			idle = pr.QueueLen == 0
		}

		sub.mu.Lock()
		if sub.pubMissing && m.config.Publications.Exists(sub.pubName) {
			// The publication came back; dispatch has already resumed
			sub.pubMissing = false
			sub.lastError = nil
			m.transition(sub, StateCatchingUp)
			log.Info().Str("subscription", sub.name).Msg("Publication restored, subscription recovering")
		}

		syncing := false
		for _, t := range sub.tasks {
			switch t.state {
			case TaskCatchingUp:
				if confirmed >= t.watermark || (idle && scanned >= t.watermark) {
					t.state = TaskDone
				} else {
					syncing = true
				}
			case TaskPending, TaskCopying:
				syncing = true
			}
		}

		switch sub.state {
		case StatePerTableSync:
			if !syncing {
				m.transition(sub, StateCatchingUp)
			}
		case StateCatchingUp:
			if confirmed >= head || (idle && scanned >= head) {
				m.transition(sub, StateStreaming)
				log.Info().
					Str("subscription", sub.name).
					Uint64("position", scanned).
					Msg("Subscription is streaming")
			}
		case StateStreaming:
			if syncing {
				// A refresh added tables that are still copying
				m.transition(sub, StatePerTableSync)
			}
		}
		sub.mu.Unlock()
	}
}

// gateFor holds streamed events back while their table's snapshot copy is
// in flight and drops the ones the snapshot already contains.
func (m *Manager) gateFor(sub *subscription) func(table string, position uint64) apply.GateDecision {
	return func(table string, position uint64) apply.GateDecision {
		sub.mu.Lock()
		defer sub.mu.Unlock()

		t, tracked := sub.tasks[table]
		if !tracked {
			return apply.GateApply
		}
		switch t.state {
		case TaskPending, TaskCopying, TaskFailed:
			return apply.GateWait
		default:
			if position <= t.watermark {
				return apply.GateSkip
			}
			return apply.GateApply
		}
	}
}

// Refresh re-resolves the publication and starts initial copies for tables
// the subscription has not seen before. Existing tables are untouched.
func (m *Manager) Refresh(name string) error {
	sub, ok := m.subs.Load(name)
	if !ok {
		return fmt.Errorf("subscription not found: %s", name)
	}

	tables, err := m.config.Publications.Resolve(sub.pubName)
	if err != nil {
		return err
	}

	sub.mu.Lock()
	if sub.state != StateStreaming && sub.state != StateCatchingUp {
		state := sub.state
		sub.mu.Unlock()
		return fmt.Errorf("subscription %s cannot refresh while %s", name, state)
	}
	var added []*task
	if sub.copyData {
		for _, tf := range tables {
			if _, seen := sub.tasks[tf.Table]; seen {
				continue
			}
			t := &task{table: tf.Table, state: TaskPending}
			sub.tasks[tf.Table] = t
			added = append(added, t)
		}
	}
	ctx := sub.ctx
	sub.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	sort.Slice(added, func(i, j int) bool { return added[i].table < added[j].table })
	log.Info().
		Str("subscription", name).
		Int("new_tables", len(added)).
		Msg("Refreshing subscription with new tables")

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		m.runSyncPhase(ctx, sub, added)
	}()
	return nil
}

// Disable stops a subscription's pipeline but keeps its slot and state. The
// slot keeps holding the feed, so a long disable grows retention.
func (m *Manager) Disable(name string) error {
	sub, ok := m.subs.Load(name)
	if !ok {
		return fmt.Errorf("subscription not found: %s", name)
	}

	sub.mu.Lock()
	if sub.state == StateDisabled {
		sub.mu.Unlock()
		return nil
	}
	m.transition(sub, StateDisabled)
	sub.mu.Unlock()

	m.teardown(sub)
	m.config.Slots.SetActive(sub.slotName, false)
	log.Info().Str("subscription", name).Msg("Disabled subscription")
	return nil
}

// Resume restarts a disabled or errored subscription from its confirmed
// position. Failed table copies restart from scratch.
func (m *Manager) Resume(name string) error {
	sub, ok := m.subs.Load(name)
	if !ok {
		return fmt.Errorf("subscription not found: %s", name)
	}

	sub.mu.Lock()
	if sub.state != StateDisabled && sub.state != StateError {
		state := sub.state
		sub.mu.Unlock()
		return fmt.Errorf("subscription %s cannot resume while %s", name, state)
	}
	sub.lastError = nil
	sub.pubMissing = false
	for _, t := range sub.tasks {
		if t.state == TaskFailed || t.state == TaskCopying {
			t.state = TaskPending
			t.err = nil
		}
	}
	sub.mu.Unlock()

	m.teardown(sub)
	m.config.Slots.SetActive(sub.slotName, true)

	s, ok := m.config.Slots.Get(sub.slotName)
	if !ok {
		return fmt.Errorf("slot missing for subscription: %s", name)
	}

	log.Info().
		Str("subscription", name).
		Uint64("resume_after", s.ConfirmedPosition).
		Msg("Resuming subscription")
	return m.launch(sub, s.ConfirmedPosition)
}

// Drop tears the subscription down and releases every slot it owns,
// including temporary sync slots of copies still in flight.
func (m *Manager) Drop(name string) error {
	sub, ok := m.subs.Load(name)
	if !ok {
		return fmt.Errorf("subscription not found: %s", name)
	}

	sub.mu.Lock()
	m.transition(sub, StateDropped)
	sub.mu.Unlock()

	m.teardown(sub)
	released := m.config.Slots.ReleaseOwnedBy(name)
	m.subs.Delete(name)
	telemetry.SubscriptionState.With(StateDropped.String()).Dec()

	log.Info().
		Str("subscription", name).
		Strs("released_slots", released).
		Msg("Dropped subscription")
	return nil
}

// PublicationMissing is the dispatcher's broken-pipe callback. The
// subscription parks in the error state; the monitor recovers it on its own
// once the publication resolves again.
func (m *Manager) PublicationMissing(name string, err error) {
	sub, ok := m.subs.Load(name)
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.pubMissing = true
	sub.mu.Unlock()
	m.enterError(sub, "publication_missing", err)
}

// Get returns one subscription's status.
func (m *Manager) Get(name string) (Status, bool) {
	sub, ok := m.subs.Load(name)
	if !ok {
		return Status{}, false
	}
	return m.status(sub), true
}

// List returns every subscription's status, sorted by name.
func (m *Manager) List() []Status {
	var out []Status
	m.subs.Range(func(_ string, sub *subscription) bool {
		out = append(out, m.status(sub))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every subscription pipeline without dropping state.
func (m *Manager) Close() {
	m.subs.Range(func(_ string, sub *subscription) bool {
		m.teardown(sub)
		return true
	})
}

func (m *Manager) status(sub *subscription) Status {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	st := Status{
		Name:        sub.name,
		Publication: sub.pubName,
		State:       sub.state,
	}
	if sub.lastError != nil {
		st.LastError = sub.lastError.Error()
	}
	for _, t := range sub.tasks {
		ts := TaskStatus{
			Table:            t.table,
			State:            t.state,
			SnapshotPosition: t.watermark,
		}
		if t.err != nil {
			ts.Error = t.err.Error()
		}
		st.Tasks = append(st.Tasks, ts)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Table < st.Tasks[j].Table })
	return st
}

// enterError parks the subscription; its confirmed position is untouched so
// a resume replays from the failure point.
func (m *Manager) enterError(sub *subscription, kind string, err error) {
	sub.mu.Lock()
	if sub.state == StateDropped || sub.state == StateError {
		sub.mu.Unlock()
		return
	}
	sub.lastError = err
	m.transition(sub, StateError)
	sub.mu.Unlock()

	telemetry.SubscriptionErrorsTotal.With(kind).Inc()
	log.Error().
		Err(err).
		Str("subscription", sub.name).
		Str("kind", kind).
		Msg("Subscription entered error state")
}

// teardown stops the pipeline pieces. Safe to call twice; the apply worker
// and dispatcher both tolerate repeated stops.
func (m *Manager) teardown(sub *subscription) {
	sub.mu.Lock()
	cancel := sub.cancel
	applyW := sub.applyW
	sub.ctx = nil
	sub.cancel = nil
	sub.applyW = nil
	sub.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if applyW != nil {
		applyW.Stop()
	}
	sub.wg.Wait()
	m.config.Dispatcher.Unregister(sub.name)
}

// transition must be called with sub.mu held.
func (m *Manager) transition(sub *subscription, next State) {
	if sub.state == next {
		return
	}
	log.Debug().
		Str("subscription", sub.name).
		Str("from", sub.state.String()).
		Str("to", next.String()).
		Msg("Subscription state change")
	telemetry.SubscriptionState.With(sub.state.String()).Dec()
	telemetry.SubscriptionState.With(next.String()).Inc()
	sub.state = next
}
