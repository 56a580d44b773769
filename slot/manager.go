package slot

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-db/slipstream/telemetry"
)

type slotState struct {
	name      string
	kind      Kind
	confirmed uint64
	restart   uint64
	active    bool
	owner     string
}

// Manager owns the slot table. All mutation goes through one mutex so the
// capacity check is a single-counter decision and advance cannot race
// release for the same name.
type Manager struct {
	capacity int

	mu    sync.Mutex
	slots map[string]*slotState
}

// NewManager creates a slot table bounded at capacity.
func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		slots:    make(map[string]*slotState, capacity),
	}
}

// Capacity returns the configured slot limit.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Allocate reserves a slot under name for owner. Fails with ExhaustedError
// when the table is full and DuplicateError when the name is already held.
// A freshly allocated slot never inherits positions from a prior holder of
// the same name.
func (m *Manager) Allocate(name string, kind Kind, owner string) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[name]; exists {
		return Slot{}, &DuplicateError{Name: name}
	}
	if len(m.slots) >= m.capacity {
		telemetry.SlotAllocationsTotal.With("exhausted").Inc()
		log.Warn().
			Str("slot", name).
			Int("capacity", m.capacity).
			Msg("Slot allocation rejected, capacity reached")
		return Slot{}, &ExhaustedError{Capacity: m.capacity}
	}

	s := &slotState{
		name:   name,
		kind:   kind,
		active: true,
		owner:  owner,
	}
	m.slots[name] = s

	telemetry.SlotAllocationsTotal.With("ok").Inc()
	telemetry.SlotsInUse.With(kind.String()).Inc()
	log.Info().
		Str("slot", name).
		Str("kind", kind.String()).
		Str("owner", owner).
		Msg("Allocated replication slot")

	return snapshotOf(s), nil
}

// Release frees a slot. Releasing a name that does not exist is a no-op so
// retried drop paths stay idempotent.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	s, exists := m.slots[name]
	if exists {
		delete(m.slots, name)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	telemetry.SlotReleasesTotal.Inc()
	telemetry.SlotsInUse.With(s.kind.String()).Dec()
	log.Info().Str("slot", name).Str("kind", s.kind.String()).Msg("Released replication slot")
}

// Advance moves the confirmed position forward. Positions lower than the
// current confirmed position are ignored, which protects against
// out-of-order acknowledgements from retried apply cycles. Returns false
// when the slot does not exist.
func (m *Manager) Advance(name string, position uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[name]
	if !exists {
		return false
	}
	if position > s.confirmed {
		s.confirmed = position
	}
	return true
}

// AdvanceRestart raises the slot's restart position, the floor below which
// the feed may discard data for this consumer. Monotonic like Advance.
// The dispatcher withholds this call for backlogged subscriptions, which is
// what turns backpressure into feed retention.
func (m *Manager) AdvanceRestart(name string, position uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[name]
	if !exists {
		return false
	}
	if position > s.restart {
		s.restart = position
	}
	return true
}

// SetActive flags whether a consumer currently holds the slot. Disabled
// subscriptions keep their slot (and its retention) but mark it inactive.
func (m *Manager) SetActive(name string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[name]
	if !exists {
		return false
	}
	s.active = active
	return true
}

// Get returns a snapshot of one slot.
func (m *Manager) Get(name string) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[name]
	if !exists {
		return Slot{}, false
	}
	return snapshotOf(s), true
}

// List returns snapshots of all slots, sorted by name. Read-only.
func (m *Manager) List() []Slot {
	m.mu.Lock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, snapshotOf(s))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReleaseOwnedBy frees every slot owned by the given subscription and
// returns the released names. Used by the subscription drop path, which is
// authoritative for slot destruction.
func (m *Manager) ReleaseOwnedBy(owner string) []string {
	m.mu.Lock()
	var released []string
	kinds := make(map[string]Kind)
	for name, s := range m.slots {
		if s.owner == owner {
			released = append(released, name)
			kinds[name] = s.kind
			delete(m.slots, name)
		}
	}
	m.mu.Unlock()

	for _, name := range released {
		telemetry.SlotReleasesTotal.Inc()
		telemetry.SlotsInUse.With(kinds[name].String()).Dec()
		log.Info().Str("slot", name).Str("owner", owner).Msg("Released replication slot with owner")
	}
	sort.Strings(released)
	return released
}

// MinRestartPosition returns the lowest restart position across all slots,
// the floor below which the feed may discard data. Returns 0 when any slot
// has not advanced yet (retain everything) and ok=false when no slots exist.
func (m *Manager) MinRestartPosition() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.slots) == 0 {
		return 0, false
	}

	first := true
	var min uint64
	for _, s := range m.slots {
		if first || s.restart < min {
			min = s.restart
			first = false
		}
	}
	return min, true
}

func snapshotOf(s *slotState) Slot {
	return Slot{
		Name:              s.name,
		Kind:              s.kind,
		ConfirmedPosition: s.confirmed,
		RestartPosition:   s.restart,
		Active:            s.active,
		OwnerSubscription: s.owner,
	}
}
