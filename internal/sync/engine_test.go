package sync

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/hostapp"
	"github.com/tonimelisma/todosync/internal/server"
	"github.com/tonimelisma/todosync/internal/server/store"
)

// device bundles one simulated device: its own host app, snapshot, lock,
// conflict log, and engine, talking to a shared test server.
type device struct {
	engine    *Engine
	fake      *hostapp.Fake
	states    *StateStore
	conflicts *ConflictLog
	lockPath  string
}

// testCluster is a running coordination server plus its user factory.
type testCluster struct {
	ts *httptest.Server
	st *store.Store
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	logger := discardLogger()

	st, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := httptest.NewServer(server.New(st, logger).Routes())
	t.Cleanup(ts.Close)

	return &testCluster{ts: ts, st: st}
}

func (c *testCluster) newDevice(t *testing.T, userID string) *device {
	t.Helper()

	_, token, err := c.st.CreateUser(context.Background(), userID, "User "+userID)
	require.NoError(t, err)

	return c.newDeviceWithToken(t, token)
}

func (c *testCluster) newDeviceWithToken(t *testing.T, token string) *device {
	t.Helper()

	dir := t.TempDir()
	logger := discardLogger()

	fake := hostapp.NewFake()
	states := NewStateStore(filepath.Join(dir, "state.json"), logger)
	conflicts := NewConflictLog(filepath.Join(dir, "conflicts.json"), logger)
	lockPath := filepath.Join(dir, "sync.lock")

	engine := NewEngine(
		NewLock(lockPath, logger),
		states,
		fake,
		NewClient(c.ts.URL, token, nil, logger),
		conflicts,
		logger,
	)

	return &device{
		engine:    engine,
		fake:      fake,
		states:    states,
		conflicts: conflicts,
		lockPath:  lockPath,
	}
}

// cycle runs one sync cycle and fails the test on error.
func (d *device) cycle(t *testing.T) CycleResult {
	t.Helper()

	result, err := d.engine.RunCycle(context.Background())
	require.NoError(t, err)

	return result
}

// hostTitles returns the titles currently visible in the device's host app.
func (d *device) hostTitles(t *testing.T) []string {
	t.Helper()

	items, err := d.fake.List(context.Background())
	require.NoError(t, err)

	titles := make([]string, 0, len(items))
	for _, item := range items {
		titles = append(titles, item.Title)
	}

	return titles
}

func seedItem(localID, title string) hostapp.Item {
	return hostapp.Item{
		LocalID: localID,
		Fields: hostapp.Fields{
			Title:  title,
			Tags:   []string{},
			Status: api.StatusOpen,
		},
	}
}

func TestCycleFirstSyncPushesLocalTodos(t *testing.T) {
	cluster := newTestCluster(t)
	dev := cluster.newDevice(t, "alice")

	dev.fake.Seed([]hostapp.Item{
		seedItem("loc-1", "First"),
		seedItem("loc-2", "Second"),
	})

	result := dev.cycle(t)

	assert.False(t, result.Skipped)
	assert.False(t, result.Bootstrap, "a device with host todos must not bootstrap")
	assert.Equal(t, 2, result.PushedUpserts)
	assert.Zero(t, result.Conflicts)

	// The snapshot persisted the mappings and the cursor.
	state, err := dev.states.Load()
	require.NoError(t, err)
	assert.Len(t, state.ServerIDToLocalID, 2)
	assert.NotEmpty(t, state.LastSyncedAt)
	assert.Empty(t, state.Dirty.Upserted)

	// The server agrees.
	serverState, err := cluster.st.State(context.Background())
	require.NoError(t, err)
	assert.Len(t, serverState.Todos, 2)
}

func TestCycleBootstrapPullsFullState(t *testing.T) {
	cluster := newTestCluster(t)

	seeded := cluster.newDevice(t, "alice")
	seeded.fake.Seed([]hostapp.Item{seedItem("loc-1", "Shared task")})
	seeded.cycle(t)

	// A brand-new device with an empty host app takes the bootstrap path.
	fresh := cluster.newDevice(t, "bob")
	result := fresh.cycle(t)

	assert.True(t, result.Bootstrap)
	assert.Equal(t, 1, result.PulledUpserts)
	assert.Equal(t, []string{"Shared task"}, fresh.hostTitles(t))

	state, err := fresh.states.Load()
	require.NoError(t, err)
	assert.Len(t, state.ServerIDToLocalID, 1)
}

func TestCycleEditPropagatesBetweenDevices(t *testing.T) {
	cluster := newTestCluster(t)

	devA := cluster.newDevice(t, "alice")
	devA.fake.Seed([]hostapp.Item{seedItem("loc-1", "Original")})
	devA.cycle(t)

	devB := cluster.newDevice(t, "bob")
	devB.cycle(t)
	require.Equal(t, []string{"Original"}, devB.hostTitles(t))

	// Alice edits the item in her host app.
	require.NoError(t, devA.fake.Update(context.Background(), "loc-1", hostapp.Fields{
		Title: "Edited", Tags: []string{}, Status: api.StatusOpen,
	}))
	devA.cycle(t)

	result := devB.cycle(t)
	assert.Equal(t, 1, result.PulledUpserts)
	assert.Equal(t, []string{"Edited"}, devB.hostTitles(t))
}

func TestCycleDeletePropagatesAsAcknowledgment(t *testing.T) {
	cluster := newTestCluster(t)

	devA := cluster.newDevice(t, "alice")
	devA.fake.Seed([]hostapp.Item{seedItem("loc-1", "Doomed")})
	devA.cycle(t)

	devB := cluster.newDevice(t, "bob")
	devB.cycle(t)

	devA.fake.Remove("loc-1")
	resultA := devA.cycle(t)
	assert.Equal(t, 1, resultA.PushedDeletes)

	resultB := devB.cycle(t)
	assert.Equal(t, 1, resultB.PulledDeletes)

	// The host app cannot be deleted from, so the item stays and the
	// deletion lands in the conflict log for manual cleanup.
	assert.Equal(t, []string{"Doomed"}, devB.hostTitles(t))

	entries, err := devB.conflicts.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindDeleteAcknowledged, entries[0].Kind)
	assert.Equal(t, "Doomed", entries[0].LocalTitle)
}

func TestCycleConcurrentEditOlderLoses(t *testing.T) {
	cluster := newTestCluster(t)

	baseTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	devA := cluster.newDevice(t, "alice")
	devA.engine.now = func() time.Time { return baseTime }
	devA.fake.Seed([]hostapp.Item{seedItem("loc-1", "Original")})
	devA.cycle(t)

	devB := cluster.newDevice(t, "bob")
	devB.engine.now = func() time.Time { return baseTime }
	devB.cycle(t)

	// Both devices edit while offline. Alice edits later than Bob.
	require.NoError(t, devA.fake.Update(context.Background(), "loc-1", hostapp.Fields{
		Title: "Alice wins", Tags: []string{}, Status: api.StatusOpen,
	}))
	devA.engine.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	devA.cycle(t)

	bobItems, err := devB.fake.List(context.Background())
	require.NoError(t, err)
	require.NoError(t, devB.fake.Update(context.Background(), bobItems[0].LocalID, hostapp.Fields{
		Title: "Bob loses", Tags: []string{}, Status: api.StatusOpen,
	}))
	devB.engine.now = func() time.Time { return baseTime.Add(time.Hour) }

	resultB := devB.cycle(t)
	assert.Equal(t, 1, resultB.Conflicts)

	// Bob's host app converges to Alice's version.
	assert.Equal(t, []string{"Alice wins"}, devB.hostTitles(t))

	entries, err := devB.conflicts.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindServerRejected, entries[0].Kind)
	assert.Equal(t, api.ReasonRemoteEditNewer, entries[0].Reason)

	// Alice's device is untouched by the conflict.
	devA.engine.now = func() time.Time { return baseTime.Add(3 * time.Hour) }
	devA.cycle(t)
	assert.Equal(t, []string{"Alice wins"}, devA.hostTitles(t))
}

func TestCycleSkipsWhenLockHeld(t *testing.T) {
	cluster := newTestCluster(t)
	dev := cluster.newDevice(t, "alice")

	require.NoError(t, NewLock(dev.lockPath, discardLogger()).Acquire())

	result, err := dev.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestCycleFailsOnCorruptSnapshot(t *testing.T) {
	cluster := newTestCluster(t)
	dev := cluster.newDevice(t, "alice")

	require.NoError(t, os.WriteFile(dev.states.Path(), []byte("{ nope"), 0o644))

	_, err := dev.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCorruptState)

	// The lock was released on the way out.
	assert.NoFileExists(t, dev.lockPath)
}

func TestCycleFailsOnBadToken(t *testing.T) {
	cluster := newTestCluster(t)
	dev := cluster.newDeviceWithToken(t, "wrong-token")

	_, err := dev.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCycleIsIdempotentWhenNothingChanged(t *testing.T) {
	cluster := newTestCluster(t)
	dev := cluster.newDevice(t, "alice")

	dev.fake.Seed([]hostapp.Item{seedItem("loc-1", "Stable")})
	dev.cycle(t)

	result := dev.cycle(t)
	assert.Zero(t, result.PushedUpserts)
	assert.Zero(t, result.PushedDeletes)
	assert.Zero(t, result.Conflicts)

	serverState, err := cluster.st.State(context.Background())
	require.NoError(t, err)
	require.Len(t, serverState.Todos, 1)
	assert.Equal(t, "Stable", serverState.Todos[0].Title)
}

func TestCycleCompletionPropagates(t *testing.T) {
	cluster := newTestCluster(t)

	devA := cluster.newDevice(t, "alice")
	devA.fake.Seed([]hostapp.Item{seedItem("loc-1", "Finish me")})
	devA.cycle(t)

	devB := cluster.newDevice(t, "bob")
	devB.cycle(t)

	require.NoError(t, devA.fake.Update(context.Background(), "loc-1", hostapp.Fields{
		Title: "Finish me", Tags: []string{}, Status: api.StatusCompleted,
	}))
	devA.cycle(t)
	devB.cycle(t)

	items, err := devB.fake.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, api.StatusCompleted, items[0].Status)
}
