package subscription

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/dispatch"
	"github.com/slipstream-db/slipstream/feed"
	"github.com/slipstream-db/slipstream/publication"
	"github.com/slipstream-db/slipstream/slot"
	"github.com/slipstream-db/slipstream/syncer"
)

type testCatalog struct {
	mu     sync.Mutex
	tables []string
}

func (c *testCatalog) ListTables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tables...)
}

func (c *testCatalog) add(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = append(c.tables, table)
}

type fakeReader struct {
	batches []syncer.RowBatch
	next    int
}

func (r *fakeReader) Next(ctx context.Context, max int) (syncer.RowBatch, error) {
	if r.next >= len(r.batches) {
		return nil, io.EOF
	}
	b := r.batches[r.next]
	r.next++
	return b, nil
}

func (r *fakeReader) Close() error { return nil }

type fakeSource struct {
	mu       sync.Mutex
	rows     map[string][]syncer.RowBatch
	position func() uint64  // snapshot read point, usually the feed head
	block    chan struct{}  // when set, Snapshot waits for it to close
	failures map[string]int // per-table open failures before succeeding
}

func (s *fakeSource) Snapshot(ctx context.Context, table string) (syncer.SnapshotReader, uint64, error) {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if left := s.failures[table]; left > 0 {
		s.failures[table] = left - 1
		return nil, 0, fmt.Errorf("connection reset")
	}
	return &fakeReader{batches: s.rows[table]}, s.position(), nil
}

type fakeDest struct {
	mu       sync.Mutex
	applied  []common.ChangeEvent
	upserted map[string]int
	applyErr map[uint64]error
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		upserted: make(map[string]int),
		applyErr: make(map[uint64]error),
	}
}

func (d *fakeDest) ApplyEvent(ctx context.Context, event common.ChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.applyErr[event.Position]; ok {
		return err
	}
	d.applied = append(d.applied, event)
	return nil
}

func (d *fakeDest) UpsertRows(ctx context.Context, table string, rows []map[string][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upserted[table] += len(rows)
	return nil
}

func (d *fakeDest) DeleteAllRows(ctx context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upserted[table] = 0
	return nil
}

func (d *fakeDest) appliedPositions() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, 0, len(d.applied))
	for _, ev := range d.applied {
		out = append(out, ev.Position)
	}
	return out
}

func (d *fakeDest) upsertedRows(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upserted[table]
}

type env struct {
	feed    *feed.Log
	slots   *slot.Manager
	pubs    *publication.Registry
	catalog *testCatalog
	disp    *dispatch.Dispatcher
	source  *fakeSource
	dest    *fakeDest
	mgr     *Manager
}

func newEnv(t *testing.T, capacity int) *env {
	t.Helper()

	l, err := feed.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	e := &env{
		feed:    l,
		slots:   slot.NewManager(capacity),
		catalog: &testCatalog{tables: []string{"users"}},
		dest:    newFakeDest(),
	}
	e.pubs = publication.NewRegistry(e.catalog)
	e.source = &fakeSource{
		rows:     map[string][]syncer.RowBatch{},
		position: func() uint64 { return l.Head() },
		failures: map[string]int{},
	}

	var mgr *Manager
	e.disp, err = dispatch.NewDispatcher(dispatch.Config{
		Feed:         l,
		Publications: e.pubs,
		Slots:        e.slots,
		PollInterval: time.Millisecond,
		OnPublicationMissing: func(sub string, err error) {
			if mgr != nil {
				mgr.PublicationMissing(sub, err)
			}
		},
	})
	require.NoError(t, err)
	e.disp.Start()
	t.Cleanup(e.disp.Stop)

	mgr, err = NewManager(Config{
		Slots:               e.slots,
		Publications:        e.pubs,
		Feed:                l,
		Dispatcher:          e.disp,
		Source:              e.source,
		Dest:                e.dest,
		SpoolDir:            t.TempDir(),
		SyncRetryInitial:    time.Millisecond,
		SyncRetryMax:        5 * time.Millisecond,
		SyncMaxRetries:      3,
		ApplyRetryInitial:   time.Millisecond,
		ApplyRetryMax:       5 * time.Millisecond,
		ApplyMaxRetries:     3,
		CatchupPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	e.mgr = mgr
	t.Cleanup(mgr.Close)

	return e
}

func (e *env) append(t *testing.T, table string, op uint8) uint64 {
	t.Helper()
	events := []common.ChangeEvent{{
		Table:     table,
		Operation: op,
		After:     map[string][]byte{"id": []byte{1}},
	}}
	require.NoError(t, e.feed.Append(events))
	return events[0].Position
}

func (e *env) waitForState(t *testing.T, name string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.mgr.Get(name)
		return ok && st.State == want
	}, 5*time.Second, time.Millisecond, "subscription %s never reached %s", name, want)
}

func TestCreateCopiesThenStreams(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	e.source.rows["users"] = []syncer.RowBatch{{
		{"id": []byte{1}}, {"id": []byte{2}},
	}}

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StateStreaming)

	assert.Equal(t, 2, e.dest.upsertedRows("users"))

	pos := e.append(t, "users", common.OpInsert)
	require.Eventually(t, func() bool {
		applied := e.dest.appliedPositions()
		return len(applied) == 1 && applied[0] == pos
	}, 5*time.Second, time.Millisecond)

	st, ok := e.mgr.Get("s1")
	require.True(t, ok)
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, TaskDone, st.Tasks[0].State)
}

func TestCreateWithoutCopySkipsSyncPhase(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))

	require.NoError(t, e.mgr.Create("s1", "p", false))
	e.waitForState(t, "s1", StateStreaming)

	assert.Zero(t, e.dest.upsertedRows("users"))
	st, _ := e.mgr.Get("s1")
	assert.Empty(t, st.Tasks)
}

func TestCreateUnknownPublicationLeavesNothing(t *testing.T) {
	e := newEnv(t, 4)

	err := e.mgr.Create("s1", "nope", true)
	require.Error(t, err)
	assert.Equal(t, "publication not found: nope", err.Error())
	assert.Empty(t, e.slots.List())
	assert.Empty(t, e.mgr.List())
}

func TestCreateDuplicateRejected(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	require.NoError(t, e.mgr.Create("s1", "p", false))

	err := e.mgr.Create("s1", "p", false)
	require.Error(t, err)
	assert.Len(t, e.slots.List(), 1)
}

func TestCapacityGateRejectsFourthSubscription(t *testing.T) {
	e := newEnv(t, 3)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))

	require.NoError(t, e.mgr.Create("s1", "p", false))
	require.NoError(t, e.mgr.Create("s2", "p", false))
	require.NoError(t, e.mgr.Create("s3", "p", false))

	err := e.mgr.Create("s4", "p", false)
	require.Error(t, err)
	assert.Equal(t, "slots exhausted: capacity 3 reached", err.Error())

	// No partial record: three subscriptions, three slots
	assert.Len(t, e.mgr.List(), 3)
	assert.Len(t, e.slots.List(), 3)

	// Dropping one frees capacity for the retry
	require.NoError(t, e.mgr.Drop("s2"))
	require.NoError(t, e.mgr.Create("s4", "p", false))
}

func TestDropMidSyncReleasesEverySlot(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))

	block := make(chan struct{})
	e.source.block = block
	defer close(block)

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StatePerTableSync)

	// The copy is parked inside Snapshot; drop must cancel it and cascade
	// the temporary slot release.
	require.NoError(t, e.mgr.Drop("s1"))
	assert.Empty(t, e.slots.List())
	_, ok := e.mgr.Get("s1")
	assert.False(t, ok)
}

func TestWatermarkPreventsDoubleApply(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))

	block := make(chan struct{})
	e.source.block = block
	e.source.rows["users"] = []syncer.RowBatch{{
		{"id": []byte{1}, "name": []byte("ada")},
	}}

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StatePerTableSync)

	// This change lands before the snapshot read point, so the snapshot
	// already contains it; it must be skipped on the streaming side.
	inSnapshot := e.append(t, "users", common.OpInsert)
	close(block)

	e.waitForState(t, "s1", StateStreaming)
	afterSnapshot := e.append(t, "users", common.OpInsert)

	require.Eventually(t, func() bool {
		applied := e.dest.appliedPositions()
		return len(applied) == 1 && applied[0] == afterSnapshot
	}, 5*time.Second, time.Millisecond)
	assert.NotContains(t, e.dest.appliedPositions(), inSnapshot)

	// The skipped event is still confirmed
	s, ok := e.slots.Get(SlotName("s1"))
	require.True(t, ok)
	assert.Equal(t, afterSnapshot, s.ConfirmedPosition)
}

func TestConflictParksSubscriptionAndResumeReplays(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	require.NoError(t, e.mgr.Create("s1", "p", false))
	e.waitForState(t, "s1", StateStreaming)

	good := e.append(t, "users", common.OpInsert)
	require.Eventually(t, func() bool {
		return len(e.dest.appliedPositions()) == 1
	}, 5*time.Second, time.Millisecond)

	bad := e.append(t, "users", common.OpInsert)
	e.dest.mu.Lock()
	e.dest.applyErr[bad] = &dest.ConflictError{Table: "users", Detail: "unique violation"}
	e.dest.mu.Unlock()
	e.append(t, "users", common.OpInsert)

	e.waitForState(t, "s1", StateError)
	st, _ := e.mgr.Get("s1")
	assert.Equal(t, "schema or data conflict on table users", st.LastError)

	// Confirmed position stays at the last applied event
	s, _ := e.slots.Get(SlotName("s1"))
	assert.Equal(t, good, s.ConfirmedPosition)

	// Operator fixes the destination and resumes; the failed event and
	// everything behind it replays exactly once.
	e.dest.mu.Lock()
	delete(e.dest.applyErr, bad)
	e.dest.mu.Unlock()

	require.NoError(t, e.mgr.Resume("s1"))
	e.waitForState(t, "s1", StateStreaming)
	require.Eventually(t, func() bool {
		return len(e.dest.appliedPositions()) == 3
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{good, bad, bad + 1}, e.dest.appliedPositions())
}

func TestDisableStopsApplyingAndResumeCatchesUp(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	require.NoError(t, e.mgr.Create("s1", "p", false))
	e.waitForState(t, "s1", StateStreaming)

	require.NoError(t, e.mgr.Disable("s1"))
	s, _ := e.slots.Get(SlotName("s1"))
	assert.False(t, s.Active)

	missed := e.append(t, "users", common.OpInsert)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, e.dest.appliedPositions())

	require.NoError(t, e.mgr.Resume("s1"))
	e.waitForState(t, "s1", StateStreaming)
	require.Eventually(t, func() bool {
		applied := e.dest.appliedPositions()
		return len(applied) == 1 && applied[0] == missed
	}, 5*time.Second, time.Millisecond)

	s, _ = e.slots.Get(SlotName("s1"))
	assert.True(t, s.Active)
}

func TestSyncFailureParksSubscription(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	e.source.failures["users"] = 100

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StateError)

	st, _ := e.mgr.Get("s1")
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, TaskFailed, st.Tasks[0].State)
	assert.Contains(t, st.LastError, "sync of table users")

	// Only the permanent slot survives the failed copy
	assert.Len(t, e.slots.List(), 1)

	// Resume restarts the copy once the source recovers
	e.source.mu.Lock()
	e.source.failures["users"] = 0
	e.source.mu.Unlock()
	require.NoError(t, e.mgr.Resume("s1"))
	e.waitForState(t, "s1", StateStreaming)
}

func TestRefreshSyncsNewTables(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	e.source.rows["users"] = []syncer.RowBatch{{{"id": []byte{1}}}}
	e.source.rows["orders"] = []syncer.RowBatch{{{"id": []byte{7}}, {"id": []byte{8}}}}

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StateStreaming)
	assert.Zero(t, e.dest.upsertedRows("orders"))

	e.catalog.add("orders")
	require.NoError(t, e.mgr.Refresh("s1"))

	require.Eventually(t, func() bool {
		st, ok := e.mgr.Get("s1")
		if !ok || len(st.Tasks) != 2 {
			return false
		}
		for _, task := range st.Tasks {
			if task.State != TaskDone {
				return false
			}
		}
		return st.State == StateStreaming
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 2, e.dest.upsertedRows("orders"))
}

func TestFilteredTrafficStillReachesStreaming(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeTables))
	require.NoError(t, e.pubs.AddTable("p", "users", publication.FilterAll))
	e.source.rows["users"] = []syncer.RowBatch{{{"id": []byte{1}}}}

	block := make(chan struct{})
	e.source.block = block

	require.NoError(t, e.mgr.Create("s1", "p", true))
	e.waitForState(t, "s1", StatePerTableSync)

	// Traffic on a table the publication does not cover; the dispatcher
	// filters it out, so nothing ever reaches the apply worker and the
	// confirmed position stays put.
	e.append(t, "billing", common.OpInsert)
	close(block)

	// Catch-up completes on filtered traffic alone
	e.waitForState(t, "s1", StateStreaming)
	st, _ := e.mgr.Get("s1")
	require.Len(t, st.Tasks, 1)
	assert.Equal(t, TaskDone, st.Tasks[0].State)
	assert.Empty(t, e.dest.appliedPositions())

	// A streaming subscription accepts a refresh again
	require.NoError(t, e.mgr.Refresh("s1"))
}

func TestPublicationDropParksAndRestoreRecovers(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	require.NoError(t, e.mgr.Create("s1", "p", false))
	e.waitForState(t, "s1", StateStreaming)

	require.NoError(t, e.pubs.Drop("p"))
	e.append(t, "users", common.OpInsert)
	e.waitForState(t, "s1", StateError)

	st, _ := e.mgr.Get("s1")
	assert.Equal(t, "publication not found: p", st.LastError)

	// Recreating the publication recovers the subscription without an
	// operator resume; the held event flows through.
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	e.waitForState(t, "s1", StateStreaming)
	require.Eventually(t, func() bool {
		return len(e.dest.appliedPositions()) == 1
	}, 5*time.Second, time.Millisecond)
}

func TestListSortsByName(t *testing.T) {
	e := newEnv(t, 4)
	require.NoError(t, e.pubs.Create("p", publication.ModeAllTables))
	require.NoError(t, e.mgr.Create("s2", "p", false))
	require.NoError(t, e.mgr.Create("s1", "p", false))

	list := e.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].Name)
	assert.Equal(t, "s2", list[1].Name)
}
