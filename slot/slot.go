// Package slot implements the bounded replication slot table. A slot is an
// admission and retention token: while held it pins the change feed back to
// its restart position, and the table's capacity is the single admission
// gate for every consumer in the system.
package slot

import "fmt"

// Kind distinguishes subscription-lifetime slots from sync-snapshot slots.
type Kind uint8

const (
	Permanent Kind = iota // Owned by a subscription for its lifetime
	Temporary             // Held only for the duration of one table snapshot
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Slot is an immutable snapshot of one slot's state, as returned by
// Manager.List and Manager.Get.
type Slot struct {
	Name              string
	Kind              Kind
	ConfirmedPosition uint64 // Last position the consumer acknowledged
	RestartPosition   uint64 // Earliest position the feed must retain
	Active            bool   // Whether a consumer currently holds it
	OwnerSubscription string // Back-reference only, drop path is authoritative
}

// ExhaustedError is returned by Allocate when every slot is taken.
// Retryable once capacity frees up.
type ExhaustedError struct {
	Capacity int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("slots exhausted: capacity %d reached", e.Capacity)
}

// DuplicateError is returned when allocating a name that is already held.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("slot already exists: %s", e.Name)
}
