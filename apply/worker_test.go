package apply

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream-db/slipstream/common"
	"github.com/slipstream-db/slipstream/dest"
	"github.com/slipstream-db/slipstream/slot"
)

type fakeDest struct {
	mu      sync.Mutex
	applied []uint64
	failAt  map[uint64]error // position -> error returned every time
	flaky   map[uint64]int   // position -> transient failures before success
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		failAt: make(map[uint64]error),
		flaky:  make(map[uint64]int),
	}
}

func (d *fakeDest) ApplyEvent(ctx context.Context, event common.ChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failAt[event.Position]; ok {
		return err
	}
	if left := d.flaky[event.Position]; left > 0 {
		d.flaky[event.Position] = left - 1
		return fmt.Errorf("connection reset")
	}
	d.applied = append(d.applied, event.Position)
	return nil
}

func (d *fakeDest) appliedPositions() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.applied...)
}

type harness struct {
	slots  *slot.Manager
	dest   *fakeDest
	queue  chan common.ChangeEvent
	worker *Worker

	errMu   sync.Mutex
	haltPos uint64
	haltErr error
}

func newHarness(t *testing.T, gate func(string, uint64) GateDecision) *harness {
	t.Helper()

	h := &harness{
		slots: slot.NewManager(4),
		dest:  newFakeDest(),
		queue: make(chan common.ChangeEvent, 64),
	}
	_, err := h.slots.Allocate("sub1_main", slot.Permanent, "sub1")
	require.NoError(t, err)

	h.worker, err = NewWorker(Config{
		Subscription: "sub1",
		SlotName:     "sub1_main",
		Slots:        h.slots,
		Dest:         h.dest,
		Queue:        h.queue,
		Gate:         gate,
		OnError: func(pos uint64, err error) {
			h.errMu.Lock()
			h.haltPos, h.haltErr = pos, err
			h.errMu.Unlock()
		},
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) send(table string, positions ...uint64) {
	for _, pos := range positions {
		h.queue <- common.ChangeEvent{Position: pos, Table: table, Operation: common.OpInsert}
	}
}

func (h *harness) confirmed(t *testing.T) uint64 {
	t.Helper()
	s, ok := h.slots.Get("sub1_main")
	require.True(t, ok)
	return s.ConfirmedPosition
}

func (h *harness) halted() (uint64, error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.haltPos, h.haltErr
}

func TestWorkerAppliesInOrderAndConfirms(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 1, 2, 3)

	require.Eventually(t, func() bool {
		return h.confirmed(t) == 3
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, h.dest.appliedPositions())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.dest.flaky[2] = 2
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 1, 2)

	require.Eventually(t, func() bool {
		return h.confirmed(t) == 2
	}, 2*time.Second, time.Millisecond)
}

func TestWorkerHaltsOnConflictLeavingConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.dest.failAt[500] = &dest.ConflictError{Table: "users", Detail: "unique violation"}
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 480, 500, 510)

	require.Eventually(t, func() bool {
		_, err := h.halted()
		return err != nil
	}, 2*time.Second, time.Millisecond)

	pos, err := h.halted()
	assert.Equal(t, uint64(500), pos)
	assert.Equal(t, "schema or data conflict on table users", err.Error())

	// Confirmed stays at the last applied event so a resume replays 500
	assert.Equal(t, uint64(480), h.confirmed(t))
	assert.Equal(t, []uint64{480}, h.dest.appliedPositions())
}

func TestWorkerHaltsAfterExhaustedRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.dest.failAt[2] = &dest.ConnectionError{Detail: "destination unreachable"}
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 1, 2)

	require.Eventually(t, func() bool {
		_, err := h.halted()
		return err != nil
	}, 2*time.Second, time.Millisecond)

	pos, err := h.halted()
	assert.Equal(t, uint64(2), pos)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, uint64(1), h.confirmed(t))
}

func TestWorkerResumeReplaysFromConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.dest.failAt[500] = &dest.ConflictError{Table: "users", Detail: "unique violation"}
	h.worker.Start()

	h.send("users", 480, 500)
	require.Eventually(t, func() bool {
		_, err := h.halted()
		return err != nil
	}, 2*time.Second, time.Millisecond)
	h.worker.Stop()

	// Operator fixes the conflict; a fresh worker on a replayed queue
	// picks up exactly where confirmation stopped.
	h.dest.mu.Lock()
	delete(h.dest.failAt, 500)
	h.dest.mu.Unlock()

	resumed, err := NewWorker(Config{
		Subscription: "sub1",
		SlotName:     "sub1_main",
		Slots:        h.slots,
		Dest:         h.dest,
		Queue:        h.queue,
		RetryInitial: time.Millisecond,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	resumed.Start()
	defer resumed.Stop()

	h.send("users", 500, 510)
	require.Eventually(t, func() bool {
		return h.confirmed(t) == 510
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{480, 500, 510}, h.dest.appliedPositions())
}

func TestWorkerGateSkipStillConfirms(t *testing.T) {
	gate := func(table string, pos uint64) GateDecision {
		if pos <= 5 {
			return GateSkip
		}
		return GateApply
	}
	h := newHarness(t, gate)
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 4, 5, 6)

	require.Eventually(t, func() bool {
		return h.confirmed(t) == 6
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{6}, h.dest.appliedPositions())
}

func TestWorkerGateWaitBlocksUntilReleased(t *testing.T) {
	var release sync.Map
	gate := func(table string, pos uint64) GateDecision {
		if _, ok := release.Load(table); ok {
			return GateApply
		}
		return GateWait
	}
	h := newHarness(t, gate)
	h.worker.Start()
	defer h.worker.Stop()

	h.send("users", 1)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.dest.appliedPositions())
	assert.Equal(t, uint64(0), h.confirmed(t))

	release.Store("users", true)
	require.Eventually(t, func() bool {
		return h.confirmed(t) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestWorkerStopWhileGated(t *testing.T) {
	gate := func(string, uint64) GateDecision { return GateWait }
	h := newHarness(t, gate)
	h.worker.Start()

	h.send("users", 1)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a gated event")
	}
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.Start()
	h.worker.Start()
	h.worker.Stop()
	h.worker.Stop()
}
