// Package subscription drives the replication lifecycle: each subscription
// owns a permanent slot, optionally copies existing table data under
// temporary slots, then streams dispatched changes into its destination.
package subscription

import "fmt"

// State is a subscription's lifecycle position.
type State uint8

const (
	StateInitializing State = iota
	StatePerTableSync
	StateCatchingUp
	StateStreaming
	StateDisabled
	StateError
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePerTableSync:
		return "per-table-sync"
	case StateCatchingUp:
		return "catching-up"
	case StateStreaming:
		return "streaming"
	case StateDisabled:
		return "disabled"
	case StateError:
		return "error"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TaskState tracks one table's initial copy.
type TaskState uint8

const (
	TaskPending TaskState = iota
	TaskCopying
	TaskCatchingUp
	TaskDone
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskCopying:
		return "copying"
	case TaskCatchingUp:
		return "catching-up"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TaskStatus is a point-in-time view of one sync task.
type TaskStatus struct {
	Table            string
	State            TaskState
	SnapshotPosition uint64
	Error            string
}

// Status is a point-in-time view of one subscription.
type Status struct {
	Name        string
	Publication string
	State       State
	LastError   string
	Tasks       []TaskStatus
}
