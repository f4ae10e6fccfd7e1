package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/hostapp"
)

// epochCursor is the delta cursor used when the device has never completed
// a pull but cannot take the bootstrap path (for example, a fresh snapshot
// with pre-existing host-app todos). The server returns everything.
const epochCursor = "1970-01-01T00:00:00Z"

// Engine runs the device's sync cycle: lock, load, detect, push, pull,
// apply, persist, unlock. One Engine per device; cycles never overlap
// because the Lock covers each run.
type Engine struct {
	lock      *Lock
	states    *StateStore
	provider  hostapp.Provider
	transport Transport
	conflicts *ConflictLog
	logger    *slog.Logger

	// now supplies edit timestamps for detected changes. Tests override it.
	now func() time.Time
}

// NewEngine wires up an Engine from its components.
func NewEngine(lock *Lock, states *StateStore, provider hostapp.Provider, transport Transport, conflicts *ConflictLog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		lock:      lock,
		states:    states,
		provider:  provider,
		transport: transport,
		conflicts: conflicts,
		logger:    logger,
		now:       time.Now,
	}
}

// RunCycle executes one full sync cycle. When another sync holds the device
// lock the cycle is skipped silently (Skipped in the result, nil error).
// All snapshot mutations persist only at the end of a successful cycle, so
// an aborted cycle leaves the device exactly where it started and the next
// tick retries.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	if err := e.lock.Acquire(); err != nil {
		if errors.Is(err, ErrSyncRunning) {
			e.logger.Debug("sync already running, skipping cycle")
			return CycleResult{Skipped: true}, nil
		}

		return CycleResult{}, err
	}
	defer e.lock.Release()

	start := e.now()
	e.logger.Debug("cycle starting")

	state, err := e.states.Load()
	if err != nil {
		return CycleResult{}, err
	}

	if err := e.states.Backup(); err != nil {
		return CycleResult{}, err
	}

	items, err := e.provider.List(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("sync: host app unavailable: %w", err)
	}

	changes := DetectChanges(state, items, e.now(), e.logger)

	var result CycleResult

	if err := e.push(ctx, state, &result); err != nil {
		return result, err
	}

	// Bootstrap only when this device knows nothing and has nothing: empty
	// snapshot, empty registry, empty host app. Everything else pulls an
	// incremental delta from the cursor.
	result.Bootstrap = len(state.Todos) == 0 && len(state.ServerIDToLocalID) == 0 && len(items) == 0

	delta, syncedAt, err := e.pull(ctx, state, result.Bootstrap)
	if err != nil {
		return result, err
	}

	applier := NewApplier(e.provider, e.conflicts, e.logger)
	applier.now = e.now

	stats, err := applier.Apply(ctx, state, delta)
	if err != nil {
		return result, err
	}

	result.PulledUpserts = len(delta.Upserted)
	result.PulledDeletes = len(delta.Deleted)
	result.Conflicts += stats.ConflictEntries

	state.LastSyncedAt = syncedAt

	if err := e.states.Save(state); err != nil {
		return result, err
	}

	e.logger.Info("cycle finished",
		slog.Int("added", changes.Added),
		slog.Int("modified", changes.Modified),
		slog.Int("deleted", changes.Deleted),
		slog.Int("pushed", result.PushedUpserts+result.PushedDeletes),
		slog.Int("pulled", result.PulledUpserts+result.PulledDeletes),
		slog.Int("conflicts", result.Conflicts),
		slog.Bool("bootstrap", result.Bootstrap),
		slog.Duration("duration", e.now().Sub(start)),
	)

	return result, nil
}

// push sends the dirty set, binds returned mappings, and records returned
// conflicts. The dirty set is cleared only after the server acknowledged
// the batch; a failed push leaves it for the next cycle.
func (e *Engine) push(ctx context.Context, state *DeviceState, result *CycleResult) error {
	registry := NewRegistry(state)

	req := api.PushRequest{
		Todos: api.PushChanges{
			Upserted: []api.PushTodo{},
			Deleted:  []api.PushDeletion{},
		},
		LastSyncedAt: state.LastSyncedAt,
	}

	for localID := range state.Dirty.Upserted {
		rec, ok := state.Todos[localID]
		if !ok {
			continue
		}

		up := api.PushTodo{
			Title:    rec.Title,
			Notes:    rec.Notes,
			DueDate:  rec.DueDate,
			Tags:     api.NormalizeTags(rec.Tags),
			Status:   rec.Status,
			Position: rec.Position,
			EditedAt: rec.EditedAt,
		}

		if serverID, mapped := registry.ServerID(localID); mapped {
			up.ServerID = serverID
		} else {
			up.ClientID = localID
		}

		req.Todos.Upserted = append(req.Todos.Upserted, up)
	}

	for serverID, deletedAt := range state.Dirty.Deleted {
		req.Todos.Deleted = append(req.Todos.Deleted, api.PushDeletion{
			ServerID:  serverID,
			DeletedAt: deletedAt,
		})
	}

	if len(req.Todos.Upserted) == 0 && len(req.Todos.Deleted) == 0 {
		return nil
	}

	resp, err := e.transport.Push(ctx, req)
	if err != nil {
		return err
	}

	for _, m := range resp.Mappings {
		if err := registry.Bind(m.ServerID, m.ClientID); err != nil {
			return err
		}
	}

	if len(resp.Conflicts) > 0 {
		entries := make([]ConflictEntry, 0, len(resp.Conflicts))

		for i := range resp.Conflicts {
			c := resp.Conflicts[i]
			entries = append(entries, ConflictEntry{
				Kind:       KindServerRejected,
				ServerID:   c.ServerID,
				Reason:     c.Reason,
				ServerTodo: c.ServerTodo,
				ClientTodo: c.ClientTodo,
			})
		}

		if err := e.conflicts.Append(e.now(), entries...); err != nil {
			return err
		}
	}

	result.PushedUpserts = len(req.Todos.Upserted)
	result.PushedDeletes = len(req.Todos.Deleted)
	result.Conflicts = len(resp.Conflicts)

	state.Dirty.Upserted = map[string]bool{}
	state.Dirty.Deleted = map[string]string{}

	return nil
}

// pull fetches either the full state (bootstrap) or the incremental delta
// from the device cursor, returning the changes and the new cursor.
func (e *Engine) pull(ctx context.Context, state *DeviceState, bootstrap bool) (api.DeltaChanges, string, error) {
	if bootstrap {
		full, err := e.transport.State(ctx)
		if err != nil {
			return api.DeltaChanges{}, "", err
		}

		return api.DeltaChanges{Upserted: full.Todos, Deleted: []api.Tombstone{}}, full.SyncedAt, nil
	}

	since := state.LastSyncedAt
	if since == "" {
		since = epochCursor
	}

	delta, err := e.transport.Delta(ctx, since)
	if err != nil {
		return api.DeltaChanges{}, "", err
	}

	return delta.Todos, delta.SyncedAt, nil
}
