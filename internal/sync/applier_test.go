package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/hostapp"
)

func newTestApplier(t *testing.T, fake *hostapp.Fake) (*Applier, *ConflictLog) {
	t.Helper()

	conflicts := NewConflictLog(filepath.Join(t.TempDir(), "conflicts.json"), discardLogger())

	a := NewApplier(fake, conflicts, discardLogger())
	a.sleepFunc = func(context.Context, time.Duration) error { return nil }
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	return a, conflicts
}

func remoteTodo(id, title string) api.Todo {
	return api.Todo{
		ID:       id,
		Title:    title,
		Tags:     []string{},
		Status:   api.StatusOpen,
		EditedAt: "2024-05-01T10:00:00Z",
	}
}

func TestApplierCreatesRemoteTodo(t *testing.T) {
	fake := hostapp.NewFake()
	a, _ := newTestApplier(t, fake)
	state := NewDeviceState()

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "From server")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	items, err := fake.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "From server", items[0].Title)

	localID := items[0].LocalID
	assert.Equal(t, localID, state.ServerIDToLocalID["srv-1"])

	rec := state.Todos[localID]
	assert.Equal(t, "From server", rec.Title)
	assert.Equal(t, "2024-05-01T10:00:00Z", rec.EditedAt)
}

func TestApplierFindsLateCreate(t *testing.T) {
	fake := hostapp.NewFake()
	fake.CreateLatency = 2

	a, _ := newTestApplier(t, fake)
	state := NewDeviceState()

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "Slow to appear")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Len(t, state.ServerIDToLocalID, 1)
}

func TestApplierOrphanCreate(t *testing.T) {
	fake := hostapp.NewFake()
	fake.CreateLatency = createFindAttempts + 1

	a, _ := newTestApplier(t, fake)
	state := NewDeviceState()

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "Never surfaces")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orphaned)
	assert.Zero(t, stats.Created)

	// No binding was made: the next cycle can still pick the item up.
	assert.Empty(t, state.ServerIDToLocalID)
	assert.Empty(t, state.Todos)
}

func TestApplierAmbiguousCreateBindsFirst(t *testing.T) {
	fake := hostapp.NewFake()
	fake.CreateLatency = 1

	// Two user-created duplicates are in flight before the applier runs.
	require.NoError(t, fake.Create(context.Background(), hostapp.Fields{
		Title: "Dup", Tags: []string{}, Status: api.StatusOpen,
	}))
	require.NoError(t, fake.Create(context.Background(), hostapp.Fields{
		Title: "Dup", Tags: []string{}, Status: api.StatusOpen,
	}))

	a, _ := newTestApplier(t, fake)
	state := NewDeviceState()

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "Dup")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	// Exactly one of the candidates got bound.
	require.Len(t, state.ServerIDToLocalID, 1)
	require.Len(t, state.Todos, 1)
}

func TestApplierCreateSetsNonOpenStatus(t *testing.T) {
	fake := hostapp.NewFake()
	a, _ := newTestApplier(t, fake)
	state := NewDeviceState()

	remote := remoteTodo("srv-1", "Already done")
	remote.Status = api.StatusCompleted

	_, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remote},
	})
	require.NoError(t, err)

	items, err := fake.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, api.StatusCompleted, items[0].Status)
}

func TestApplierUpdatesMappedTodo(t *testing.T) {
	fake := hostapp.NewFake()
	fake.Seed([]hostapp.Item{{
		LocalID: "loc-1",
		Fields:  hostapp.Fields{Title: "Old title", Tags: []string{}, Status: api.StatusOpen},
	}})

	a, _ := newTestApplier(t, fake)

	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-1"
	state.Todos["loc-1"] = TodoRecord{Title: "Old title", Tags: []string{}, Status: api.StatusOpen}

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "New title")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	items, err := fake.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "New title", items[0].Title)
	assert.Equal(t, "New title", state.Todos["loc-1"].Title)
}

func TestApplierRecreatesAfterLocalDelete(t *testing.T) {
	// srv-1 was mapped here, but the user deleted the item locally. The
	// remote edit won the merge, so the item comes back as a fresh create.
	fake := hostapp.NewFake()
	a, _ := newTestApplier(t, fake)

	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-dead"

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Upserted: []api.Todo{remoteTodo("srv-1", "Back from the dead")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	items, err := fake.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, items[0].LocalID, state.ServerIDToLocalID["srv-1"])
	assert.NotEqual(t, "loc-dead", state.ServerIDToLocalID["srv-1"])
}

func TestApplierTombstoneUnmappedIsNoop(t *testing.T) {
	fake := hostapp.NewFake()
	a, conflicts := newTestApplier(t, fake)
	state := NewDeviceState()

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Deleted: []api.Tombstone{{ServerID: "srv-unknown", DeletedAt: "2024-05-01T11:00:00Z"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deletes)
	assert.Zero(t, stats.ConflictEntries)

	entries, err := conflicts.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplierTombstoneConfirmsLocalAbsence(t *testing.T) {
	fake := hostapp.NewFake()
	a, conflicts := newTestApplier(t, fake)

	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-1"
	state.Todos["loc-1"] = TodoRecord{Title: "Gone everywhere"}
	state.Dirty.Deleted["srv-1"] = "2024-05-01T10:30:00Z"

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Deleted: []api.Tombstone{{ServerID: "srv-1", DeletedAt: "2024-05-01T11:00:00Z"}},
	})
	require.NoError(t, err)
	assert.Zero(t, stats.ConflictEntries)

	assert.Empty(t, state.ServerIDToLocalID)
	assert.Empty(t, state.Todos)
	assert.Empty(t, state.Dirty.Deleted)

	entries, err := conflicts.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplierTombstoneVsNewerLocalEdit(t *testing.T) {
	fake := hostapp.NewFake()
	fake.Seed([]hostapp.Item{{
		LocalID: "loc-1",
		Fields:  hostapp.Fields{Title: "Edited here", Tags: []string{}, Status: api.StatusOpen},
	}})

	a, conflicts := newTestApplier(t, fake)

	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-1"
	state.Todos["loc-1"] = TodoRecord{
		Title:    "Edited here",
		EditedAt: "2024-05-01T12:00:00Z",
	}

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Deleted: []api.Tombstone{{ServerID: "srv-1", DeletedAt: "2024-05-01T11:00:00Z"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConflictEntries)

	// The item and its mapping stay; the user decides.
	assert.Equal(t, "loc-1", state.ServerIDToLocalID["srv-1"])
	assert.Contains(t, state.Todos, "loc-1")

	entries, err := conflicts.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindDeleteVsLocalEdit, entries[0].Kind)
	assert.Equal(t, "Edited here", entries[0].LocalTitle)
}

func TestApplierTombstoneAcknowledged(t *testing.T) {
	fake := hostapp.NewFake()
	fake.Seed([]hostapp.Item{{
		LocalID: "loc-1",
		Fields:  hostapp.Fields{Title: "Delete me manually", Tags: []string{}, Status: api.StatusOpen},
	}})

	a, conflicts := newTestApplier(t, fake)

	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-1"
	state.Todos["loc-1"] = TodoRecord{
		Title:    "Delete me manually",
		EditedAt: "2024-05-01T10:00:00Z",
	}

	stats, err := a.Apply(context.Background(), state, api.DeltaChanges{
		Deleted: []api.Tombstone{{ServerID: "srv-1", DeletedAt: "2024-05-01T11:00:00Z"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConflictEntries)

	entries, err := conflicts.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindDeleteAcknowledged, entries[0].Kind)

	// Mapping and record stay so the item is not re-pushed as new.
	assert.Equal(t, "loc-1", state.ServerIDToLocalID["srv-1"])
}

func TestApplierPropagatesHostAppErrors(t *testing.T) {
	fake := hostapp.NewFake()
	fake.ListErr = assert.AnError

	a, _ := newTestApplier(t, fake)

	_, err := a.Apply(context.Background(), NewDeviceState(), api.DeltaChanges{})
	assert.ErrorIs(t, err, assert.AnError)
}
