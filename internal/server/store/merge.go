package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/todosync/internal/api"
)

// PushResult carries the outcome of a merged push: the rejections and the
// server-id bindings for freshly created records.
type PushResult struct {
	Conflicts []api.Conflict
	Mappings  []api.Mapping
}

// ApplyPush merges a batch of client mutations inside a single transaction.
// Every upsert and deletion is decided by the last-edit-wins rule with the
// user-id tiebreak; rejections come back as conflicts, never as errors.
// Either the whole batch commits or none of it does.
func (s *Store) ApplyPush(ctx context.Context, user User, req api.PushRequest) (PushResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PushResult{}, fmt.Errorf("store: begin push transaction: %w", err)
	}
	defer tx.Rollback()

	result := PushResult{
		Conflicts: []api.Conflict{},
		Mappings:  []api.Mapping{},
	}

	now := s.now().UnixNano()

	for i := range req.Todos.Upserted {
		if err := s.applyUpsert(ctx, tx, user, &req.Todos.Upserted[i], now, &result); err != nil {
			return PushResult{}, err
		}
	}

	for _, del := range req.Todos.Deleted {
		if err := s.applyDeletion(ctx, tx, user, del, now, &result); err != nil {
			return PushResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return PushResult{}, fmt.Errorf("store: commit push transaction: %w", err)
	}

	s.logger.Debug("push merged",
		slog.String("user", user.ID),
		slog.Int("upserts", len(req.Todos.Upserted)),
		slog.Int("deletions", len(req.Todos.Deleted)),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	return result, nil
}

// applyUpsert decides a single incoming edit against the stored record and
// any tombstone for the same server id.
func (s *Store) applyUpsert(ctx context.Context, tx *sql.Tx, user User, up *api.PushTodo, now int64, result *PushResult) error {
	editedAt, err := api.ParseTime(up.EditedAt)
	if err != nil {
		return fmt.Errorf("store: upsert editedAt: %w", err)
	}

	sid := up.ServerID
	assigned := false

	if sid == "" {
		sid = uuid.NewString()
		assigned = true
	}

	// A live tombstone blocks the edit unless the edit is strictly newer,
	// in which case the record is resurrected.
	tomb, found, err := getTombstone(ctx, tx, sid)
	if err != nil {
		return err
	}

	if found {
		if !editedAt.After(time.Unix(0, tomb.DeletedAt)) {
			result.Conflicts = append(result.Conflicts, api.Conflict{
				ServerID:   sid,
				Reason:     api.ReasonRemoteDeleteNewer,
				ServerTodo: nil,
				ClientTodo: up,
			})

			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tombstones WHERE server_id = ?`, sid); err != nil {
			return fmt.Errorf("store: clearing tombstone %s: %w", sid, err)
		}

		s.logger.Info("todo resurrected",
			slog.String("server_id", sid),
			slog.String("user", user.ID),
		)
	}

	stored, exists, err := getTodoTx(ctx, tx, sid)
	if err != nil {
		return err
	}

	if exists {
		storedAt := time.Unix(0, stored.EditedAt)

		// Identical edit from the same user is an idempotent replay, not a
		// conflict: leave the record untouched and acknowledge nothing.
		if editedAt.Equal(storedAt) && user.ID == stored.UpdatedBy {
			return nil
		}

		if !wins(editedAt, user.ID, storedAt, stored.UpdatedBy) {
			serverTodo, convErr := stored.toAPI()
			if convErr != nil {
				return convErr
			}

			result.Conflicts = append(result.Conflicts, api.Conflict{
				ServerID:   sid,
				Reason:     api.ReasonRemoteEditNewer,
				ServerTodo: &serverTodo,
				ClientTodo: up,
			})

			return nil
		}
	}

	tagsJSON, err := encodeTags(up.Tags)
	if err != nil {
		return err
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE todos SET title = ?, notes = ?, due_date = ?, tags = ?,
			 status = ?, position = ?, edited_at = ?, updated_at = ?, updated_by = ?
			 WHERE id = ?`,
			up.Title, up.Notes, nullableDueDate(up.DueDate), tagsJSON,
			string(up.Status), up.Position, editedAt.UnixNano(), now, user.ID, sid)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO todos (id, title, notes, due_date, tags, status, position,
			 edited_at, updated_at, created_by, updated_by)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sid, up.Title, up.Notes, nullableDueDate(up.DueDate), tagsJSON,
			string(up.Status), up.Position, editedAt.UnixNano(), now, user.ID, user.ID)
	}

	if err != nil {
		return fmt.Errorf("store: writing todo %s: %w", sid, err)
	}

	if assigned && up.ClientID != "" {
		result.Mappings = append(result.Mappings, api.Mapping{
			ServerID: sid,
			ClientID: up.ClientID,
		})
	}

	return nil
}

// applyDeletion decides a single incoming delete. Deletes against absent
// records never conflict: the newest-by-deletedAt tombstone is retained.
func (s *Store) applyDeletion(ctx context.Context, tx *sql.Tx, user User, del api.PushDeletion, now int64, result *PushResult) error {
	deletedAt, err := api.ParseTime(del.DeletedAt)
	if err != nil {
		return fmt.Errorf("store: deletion deletedAt: %w", err)
	}

	stored, exists, err := getTodoTx(ctx, tx, del.ServerID)
	if err != nil {
		return err
	}

	if !exists {
		tomb, found, err := getTombstone(ctx, tx, del.ServerID)
		if err != nil {
			return err
		}

		if found && !deletedAt.After(time.Unix(0, tomb.DeletedAt)) {
			return nil
		}

		return upsertTombstone(ctx, tx, del.ServerID, deletedAt.UnixNano(), now, user.ID)
	}

	if !wins(deletedAt, user.ID, time.Unix(0, stored.EditedAt), stored.UpdatedBy) {
		serverTodo, convErr := stored.toAPI()
		if convErr != nil {
			return convErr
		}

		clientDeletedAt := del.DeletedAt
		result.Conflicts = append(result.Conflicts, api.Conflict{
			ServerID:        del.ServerID,
			Reason:          api.ReasonRemoteEditNewer,
			ServerTodo:      &serverTodo,
			ClientDeletedAt: &clientDeletedAt,
		})

		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM todos WHERE id = ?`, del.ServerID); err != nil {
		return fmt.Errorf("store: deleting todo %s: %w", del.ServerID, err)
	}

	return upsertTombstone(ctx, tx, del.ServerID, deletedAt.UnixNano(), now, user.ID)
}

// wins reports whether the incoming mutation replaces the stored version.
// Strictly newer client timestamps win; on an exact tie the larger user id
// wins, which makes the decision deterministic and symmetric across devices.
func wins(incomingAt time.Time, incomingUser string, storedAt time.Time, storedUser string) bool {
	if incomingAt.After(storedAt) {
		return true
	}

	if incomingAt.Before(storedAt) {
		return false
	}

	return incomingUser > storedUser
}

// tombstoneRow is the database representation of a deletion marker.
type tombstoneRow struct {
	ServerID   string
	DeletedAt  int64
	RecordedAt int64
	DeletedBy  string
}

func getTodoTx(ctx context.Context, tx *sql.Tx, id string) (todoRow, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE id = ?`, id)

	r, err := scanTodo(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return todoRow{}, false, nil
	}

	if err != nil {
		return todoRow{}, false, fmt.Errorf("store: fetching todo %s: %w", id, err)
	}

	return r, true, nil
}

func getTombstone(ctx context.Context, tx *sql.Tx, serverID string) (tombstoneRow, bool, error) {
	var t tombstoneRow

	err := tx.QueryRowContext(ctx,
		`SELECT server_id, deleted_at, recorded_at, deleted_by
		 FROM tombstones WHERE server_id = ?`, serverID).
		Scan(&t.ServerID, &t.DeletedAt, &t.RecordedAt, &t.DeletedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return tombstoneRow{}, false, nil
	}

	if err != nil {
		return tombstoneRow{}, false, fmt.Errorf("store: fetching tombstone %s: %w", serverID, err)
	}

	return t, true, nil
}

func upsertTombstone(ctx context.Context, tx *sql.Tx, serverID string, deletedAt, recordedAt int64, userID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tombstones (server_id, deleted_at, recorded_at, deleted_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (server_id) DO UPDATE SET
		   deleted_at = excluded.deleted_at,
		   recorded_at = excluded.recorded_at,
		   deleted_by = excluded.deleted_by`,
		serverID, deletedAt, recordedAt, userID)
	if err != nil {
		return fmt.Errorf("store: writing tombstone %s: %w", serverID, err)
	}

	return nil
}
