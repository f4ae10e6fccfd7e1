// Package sync implements the per-device synchronization engine: change
// detection against a durable snapshot, the server-id/local-id registry,
// push/pull over the coordination API, delta application to the host task
// application, and the conflict log. One call to Engine.RunCycle performs a
// full detect, push, pull, apply, persist cycle.
package sync

import (
	"errors"
	"slices"

	"github.com/tonimelisma/todosync/internal/api"
)

// Sentinel errors for the taxonomic failure kinds of a cycle. Callers match
// with errors.Is; everything else is infrastructure failure.
var (
	// ErrCorruptState means the snapshot file exists but cannot be trusted.
	// The cycle refuses to proceed; there is no auto-repair.
	ErrCorruptState = errors.New("sync: snapshot state is corrupt")

	// ErrDuplicateMapping means a bind would break the server-id/local-id
	// bijection. Mapping loss is the canonical cause of duplicated todos,
	// so the cycle aborts rather than corrupting the device.
	ErrDuplicateMapping = errors.New("sync: duplicate id mapping")

	// ErrSyncRunning means another sync cycle holds the device lock.
	ErrSyncRunning = errors.New("sync: another sync is already running")
)

// TodoRecord is the device's snapshot of a single todo: the fields the
// change detector diffs, plus the edit timestamp that drives merging.
type TodoRecord struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes"`
	DueDate  *string    `json:"dueDate"`
	Tags     []string   `json:"tags"`
	Status   api.Status `json:"status"`
	Position int        `json:"position"`
	EditedAt string     `json:"editedAt"`
}

// Equal reports whether two records carry the same user-visible content.
// Tag comparison is order-insensitive; EditedAt is deliberately excluded.
func (r TodoRecord) Equal(other TodoRecord) bool {
	if r.Title != other.Title || r.Notes != other.Notes ||
		r.Status != other.Status || r.Position != other.Position {
		return false
	}

	if (r.DueDate == nil) != (other.DueDate == nil) {
		return false
	}

	if r.DueDate != nil && *r.DueDate != *other.DueDate {
		return false
	}

	return equalTagSets(r.Tags, other.Tags)
}

func equalTagSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)

	return slices.Equal(as, bs)
}

// Dirty is the set of pending changes not yet acknowledged by the server.
type Dirty struct {
	// Upserted holds local ids whose records await a push.
	Upserted map[string]bool

	// Deleted maps server ids to the deletion timestamp recorded when the
	// item vanished from the host application.
	Deleted map[string]string
}

// DeviceState is the full persistent state of one device: the snapshot of
// the host application's todos, the id registry, the pending-change set,
// and the server cursor from the last successful pull.
type DeviceState struct {
	LastSyncedAt      string
	Todos             map[string]TodoRecord
	ServerIDToLocalID map[string]string
	Dirty             Dirty
}

// NewDeviceState returns an empty state for a fresh device.
func NewDeviceState() *DeviceState {
	return &DeviceState{
		Todos:             map[string]TodoRecord{},
		ServerIDToLocalID: map[string]string{},
		Dirty: Dirty{
			Upserted: map[string]bool{},
			Deleted:  map[string]string{},
		},
	}
}

// CycleResult summarizes one sync cycle for callers and the CLI.
type CycleResult struct {
	// Skipped is true when another sync held the device lock.
	Skipped bool

	// Bootstrap is true when the cycle fetched full state instead of a delta.
	Bootstrap bool

	PushedUpserts int
	PushedDeletes int
	PulledUpserts int
	PulledDeletes int
	Conflicts     int
}
