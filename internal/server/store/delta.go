package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
)

// Delta returns the incremental change feed: todos updated after since and
// tombstones recorded after since, plus a fresh server cursor. Tombstones
// are filtered on recorded_at (server clock), not deleted_at (client clock),
// so backdated deletes still propagate to every device.
func (s *Store) Delta(ctx context.Context, since time.Time) (api.DeltaResponse, error) {
	syncedAt := s.now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE updated_at > ? ORDER BY updated_at`,
		since.UnixNano())
	if err != nil {
		return api.DeltaResponse{}, fmt.Errorf("store: querying delta todos: %w", err)
	}
	defer rows.Close()

	upserted := []api.Todo{}

	for rows.Next() {
		r, err := scanTodo(rows.Scan)
		if err != nil {
			return api.DeltaResponse{}, fmt.Errorf("store: scanning delta todo: %w", err)
		}

		todo, err := r.toAPI()
		if err != nil {
			return api.DeltaResponse{}, err
		}

		upserted = append(upserted, todo)
	}

	if err := rows.Err(); err != nil {
		return api.DeltaResponse{}, fmt.Errorf("store: iterating delta todos: %w", err)
	}

	deleted, err := s.tombstonesSince(ctx, since)
	if err != nil {
		return api.DeltaResponse{}, err
	}

	return api.DeltaResponse{
		Todos: api.DeltaChanges{
			Upserted: upserted,
			Deleted:  deleted,
		},
		SyncedAt: api.FormatTime(syncedAt),
	}, nil
}

// tombstonesSince returns tombstones recorded after since.
func (s *Store) tombstonesSince(ctx context.Context, since time.Time) ([]api.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, deleted_at FROM tombstones WHERE recorded_at > ?
		 ORDER BY recorded_at`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: querying tombstones: %w", err)
	}
	defer rows.Close()

	deleted := []api.Tombstone{}

	for rows.Next() {
		var (
			serverID  string
			deletedAt int64
		)

		if err := rows.Scan(&serverID, &deletedAt); err != nil {
			return nil, fmt.Errorf("store: scanning tombstone: %w", err)
		}

		deleted = append(deleted, api.Tombstone{
			ServerID:  serverID,
			DeletedAt: api.FormatTime(time.Unix(0, deletedAt)),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating tombstones: %w", err)
	}

	return deleted, nil
}

// State returns every todo plus a fresh cursor. Used for a device's first
// sync, when it has no snapshot to delta against.
func (s *Store) State(ctx context.Context) (api.State, error) {
	syncedAt := s.now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+todoColumns+` FROM todos ORDER BY position, id`)
	if err != nil {
		return api.State{}, fmt.Errorf("store: querying state: %w", err)
	}
	defer rows.Close()

	todos := []api.Todo{}

	for rows.Next() {
		r, err := scanTodo(rows.Scan)
		if err != nil {
			return api.State{}, fmt.Errorf("store: scanning state todo: %w", err)
		}

		todo, err := r.toAPI()
		if err != nil {
			return api.State{}, err
		}

		todos = append(todos, todo)
	}

	if err := rows.Err(); err != nil {
		return api.State{}, fmt.Errorf("store: iterating state todos: %w", err)
	}

	return api.State{
		Todos:    todos,
		SyncedAt: api.FormatTime(syncedAt),
	}, nil
}

// Reset removes every todo and tombstone and reports how many todos were
// dropped. Intended for test fixtures and explicit operator resets.
func (s *Store) Reset(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM todos`)
	if err != nil {
		return 0, fmt.Errorf("store: deleting todos: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting deleted todos: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones`); err != nil {
		return 0, fmt.Errorf("store: deleting tombstones: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit reset transaction: %w", err)
	}

	return int(deleted), nil
}
