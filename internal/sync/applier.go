package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/hostapp"
)

// Create-find retry parameters. The host application may expose a created
// item only after a delay, so the applier re-reads with backoff and matches
// by title against the pre-create set of local ids.
const (
	createFindAttempts = 3
	createFindBackoff  = 500 * time.Millisecond
)

// Applier applies a server delta to the host application and the snapshot.
// It trusts the server's merge: every upsert in a delta is a version that
// should win locally.
type Applier struct {
	provider  hostapp.Provider
	conflicts *ConflictLog
	logger    *slog.Logger

	// sleepFunc waits between create-find retries. Tests override it to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// now stamps conflict log entries.
	now func() time.Time
}

// ApplyStats counts what one delta application did.
type ApplyStats struct {
	Created  int
	Updated  int
	Orphaned int
	Deletes  int

	// ConflictEntries is the number of conflict log entries written.
	ConflictEntries int
}

// NewApplier creates an Applier over the given host-app provider and
// conflict log.
func NewApplier(provider hostapp.Provider, conflicts *ConflictLog, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Applier{
		provider:  provider,
		conflicts: conflicts,
		logger:    logger,
		sleepFunc: sleepContext,
		now:       time.Now,
	}
}

// Apply walks the delta: upserts go to the host application (create or
// update) and into the snapshot; tombstones are logged as conflicts or
// acknowledgments. Mapping updates happen through the registry so the
// bijection stays intact.
func (a *Applier) Apply(ctx context.Context, state *DeviceState, delta api.DeltaChanges) (ApplyStats, error) {
	registry := NewRegistry(state)

	items, err := a.provider.List(ctx)
	if err != nil {
		return ApplyStats{}, fmt.Errorf("sync: reading host app: %w", err)
	}

	// visible maps local id to title for everything currently in the host
	// application; it is extended as the applier creates items.
	visible := make(map[string]string, len(items))
	for _, item := range items {
		visible[item.LocalID] = item.Title
	}

	var stats ApplyStats

	for i := range delta.Upserted {
		remote := &delta.Upserted[i]

		localID, known := registry.LocalID(remote.ID)

		if known {
			if _, present := visible[localID]; present {
				if err := a.applyUpdate(ctx, state, localID, remote); err != nil {
					return stats, err
				}

				stats.Updated++

				continue
			}

			// Mapped but gone from the host app: the remote edit beat a
			// local delete, so the item is re-created on this device.
			a.logger.Info("remote edit supersedes local delete, re-creating",
				slog.String("server_id", remote.ID),
			)
		}

		created, err := a.applyCreate(ctx, state, registry, visible, remote)
		if err != nil {
			return stats, err
		}

		if created {
			stats.Created++
		} else {
			stats.Orphaned++
		}
	}

	for _, tomb := range delta.Deleted {
		entries, err := a.applyTombstone(state, registry, visible, tomb)
		if err != nil {
			return stats, err
		}

		stats.Deletes++
		stats.ConflictEntries += entries
	}

	return stats, nil
}

// applyCreate creates the remote todo in the host application and binds the
// resulting local id. The fresh item is located by re-reading the list and
// matching (not previously visible ∧ exact title), retrying with backoff
// because creates may surface late. Returns false when the item could not
// be located (OrphanCreate): the next cycle may still rebind it by title.
func (a *Applier) applyCreate(ctx context.Context, state *DeviceState, registry *Registry, visible map[string]string, remote *api.Todo) (bool, error) {
	fields := remoteFields(remote)

	if err := a.provider.Create(ctx, fields); err != nil {
		return false, fmt.Errorf("sync: creating todo in host app: %w", err)
	}

	for attempt := 0; attempt < createFindAttempts; attempt++ {
		items, err := a.provider.List(ctx)
		if err != nil {
			return false, fmt.Errorf("sync: re-reading host app after create: %w", err)
		}

		var candidates []string

		for _, item := range items {
			if _, seen := visible[item.LocalID]; !seen && item.Title == remote.Title {
				candidates = append(candidates, item.LocalID)
			}
		}

		if len(candidates) > 0 {
			if len(candidates) > 1 {
				a.logger.Warn("ambiguous create: multiple new items match title, binding first",
					slog.String("server_id", remote.ID),
					slog.String("title", remote.Title),
					slog.Int("candidates", len(candidates)),
				)
			}

			localID := candidates[0]

			if err := registry.Bind(remote.ID, localID); err != nil {
				return false, err
			}

			state.Todos[localID] = remoteRecord(remote)
			visible[localID] = remote.Title

			if remote.Status != api.StatusOpen {
				if err := a.provider.Update(ctx, localID, fields); err != nil {
					return false, fmt.Errorf("sync: setting status on created todo: %w", err)
				}
			}

			a.logger.Debug("remote todo created locally",
				slog.String("server_id", remote.ID),
				slog.String("local_id", localID),
			)

			return true, nil
		}

		if attempt < createFindAttempts-1 {
			if err := a.sleepFunc(ctx, createFindBackoff); err != nil {
				return false, fmt.Errorf("sync: create-find canceled: %w", err)
			}
		}
	}

	a.logger.Warn("orphan create: new item not locatable after retries",
		slog.String("server_id", remote.ID),
		slog.String("title", remote.Title),
	)

	return false, nil
}

// applyUpdate pushes the remote fields into the host application and
// overwrites the snapshot record with the remote version.
func (a *Applier) applyUpdate(ctx context.Context, state *DeviceState, localID string, remote *api.Todo) error {
	if err := a.provider.Update(ctx, localID, remoteFields(remote)); err != nil {
		return fmt.Errorf("sync: updating todo %s in host app: %w", localID, err)
	}

	state.Todos[localID] = remoteRecord(remote)

	a.logger.Debug("remote todo applied",
		slog.String("server_id", remote.ID),
		slog.String("local_id", localID),
	)

	return nil
}

// applyTombstone handles one remote deletion. The host application cannot
// be deleted from programmatically, so an accepted deletion is only
// acknowledged; a deletion that lost to a newer local edit is logged as a
// conflict and the mapping stays put. Returns the number of conflict log
// entries written.
func (a *Applier) applyTombstone(state *DeviceState, registry *Registry, visible map[string]string, tomb api.Tombstone) (int, error) {
	localID, mapped := registry.LocalID(tomb.ServerID)
	if !mapped {
		return 0, nil
	}

	localTitle, existsLocally := visible[localID]

	if !existsLocally {
		// Already gone on this device: confirm silently.
		registry.Unbind(tomb.ServerID)
		delete(state.Todos, localID)
		delete(state.Dirty.Deleted, tomb.ServerID)

		return 0, nil
	}

	rec, hasRecord := state.Todos[localID]

	if hasRecord && rec.EditedAt != "" {
		deletedAt, err := api.ParseTime(tomb.DeletedAt)
		if err != nil {
			return 0, fmt.Errorf("sync: tombstone deletedAt: %w", err)
		}

		editedAt, err := api.ParseTime(rec.EditedAt)
		if err != nil {
			return 0, fmt.Errorf("sync: snapshot editedAt for %s: %w", localID, err)
		}

		if editedAt.After(deletedAt) {
			entry := ConflictEntry{
				Kind:       KindDeleteVsLocalEdit,
				ServerID:   tomb.ServerID,
				Reason:     "local edit is newer than remote delete",
				LocalTitle: localTitle,
			}

			if err := a.conflicts.Append(a.now(), entry); err != nil {
				return 0, err
			}

			return 1, nil
		}
	}

	entry := ConflictEntry{
		Kind:       KindDeleteAcknowledged,
		ServerID:   tomb.ServerID,
		Reason:     "deleted on another device; remove it here when ready",
		LocalTitle: localTitle,
	}

	if err := a.conflicts.Append(a.now(), entry); err != nil {
		return 0, err
	}

	return 1, nil
}

// remoteFields converts a server todo to host-app fields.
func remoteFields(remote *api.Todo) hostapp.Fields {
	return hostapp.Fields{
		Title:   remote.Title,
		Notes:   remote.Notes,
		DueDate: remote.DueDate,
		Tags:    api.NormalizeTags(remote.Tags),
		Status:  remote.Status,
	}
}

// remoteRecord converts a server todo to a snapshot record, keeping the
// remote edit timestamp so later merges compare against the right instant.
func remoteRecord(remote *api.Todo) TodoRecord {
	return TodoRecord{
		Title:    remote.Title,
		Notes:    remote.Notes,
		DueDate:  remote.DueDate,
		Tags:     api.NormalizeTags(remote.Tags),
		Status:   remote.Status,
		Position: remote.Position,
		EditedAt: remote.EditedAt,
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
