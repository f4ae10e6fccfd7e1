package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBindAndResolve(t *testing.T) {
	state := NewDeviceState()
	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-1"))

	localID, ok := r.LocalID("srv-1")
	require.True(t, ok)
	assert.Equal(t, "loc-1", localID)

	serverID, ok := r.ServerID("loc-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", serverID)

	_, ok = r.LocalID("srv-2")
	assert.False(t, ok)
}

func TestRegistryBindIsIdempotent(t *testing.T) {
	state := NewDeviceState()
	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-1"))
	require.NoError(t, r.Bind("srv-1", "loc-1"))

	assert.Len(t, state.ServerIDToLocalID, 1)
}

func TestRegistryRejectsDuplicateServerID(t *testing.T) {
	state := NewDeviceState()
	state.Todos["loc-1"] = TodoRecord{Title: "Live"}

	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-1"))

	err := r.Bind("srv-1", "loc-2")
	assert.ErrorIs(t, err, ErrDuplicateMapping)
}

func TestRegistryRejectsDuplicateLocalID(t *testing.T) {
	state := NewDeviceState()
	state.Todos["loc-1"] = TodoRecord{Title: "Live"}

	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-1"))

	err := r.Bind("srv-2", "loc-1")
	assert.ErrorIs(t, err, ErrDuplicateMapping)
}

func TestRegistryRebindsDeadLocalID(t *testing.T) {
	// loc-1 is mapped but no longer in the snapshot: the old binding is
	// garbage and may be replaced.
	state := NewDeviceState()
	state.ServerIDToLocalID["srv-1"] = "loc-1"
	state.Todos["loc-2"] = TodoRecord{Title: "Replacement"}

	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-2"))
	assert.Equal(t, "loc-2", state.ServerIDToLocalID["srv-1"])
}

func TestRegistryRejectsEmptyIDs(t *testing.T) {
	r := NewRegistry(NewDeviceState())

	assert.ErrorIs(t, r.Bind("", "loc-1"), ErrDuplicateMapping)
	assert.ErrorIs(t, r.Bind("srv-1", ""), ErrDuplicateMapping)
}

func TestRegistryUnbind(t *testing.T) {
	state := NewDeviceState()
	r := NewRegistry(state)

	require.NoError(t, r.Bind("srv-1", "loc-1"))
	r.Unbind("srv-1")

	_, ok := r.LocalID("srv-1")
	assert.False(t, ok)
}

func TestRegistryDuplicateCandidates(t *testing.T) {
	state := NewDeviceState()
	state.ServerIDToLocalID = map[string]string{
		"srv-1": "loc-1",
		"srv-2": "loc-1",
		"srv-3": "loc-2",
	}

	dupes := NewRegistry(state).DuplicateCandidates()

	require.Len(t, dupes, 1)
	assert.Equal(t, []string{"srv-1", "srv-2"}, dupes["loc-1"])
}
