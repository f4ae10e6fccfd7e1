package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/tonimelisma/todosync/internal/api"
)

// stateFilePermissions matches the standard config file permissions.
const stateFilePermissions = 0o644

// stateFile is the on-disk schema of the device snapshot. Required fields
// are pointers/maps so that absence is distinguishable from emptiness:
// a missing required field marks the document corrupt, never silently reset.
type stateFile struct {
	LastSyncedAt      *string               `json:"lastSyncedAt"`
	Todos             map[string]TodoRecord `json:"todos"`
	ServerIDToLocalID map[string]string     `json:"serverIdToLocalId"`
	Dirty             *dirtyFile            `json:"dirty"`
}

type dirtyFile struct {
	Upserted []string          `json:"upserted"`
	Deleted  map[string]string `json:"deleted"`
}

// StateStore persists the device state as a single JSON document with
// atomic temp-and-rename writes and a .bak sidecar taken before the first
// mutation of each cycle.
type StateStore struct {
	path   string
	logger *slog.Logger
}

// NewStateStore creates a StateStore for the given snapshot path.
func NewStateStore(path string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateStore{path: path, logger: logger}
}

// Path returns the snapshot file path.
func (s *StateStore) Path() string {
	return s.path
}

// Load reads and strictly validates the snapshot. A missing file is the
// fresh-device case and yields an empty state; any decode failure or missing
// required field fails with ErrCorruptState.
func (s *StateStore) Load() (*DeviceState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no snapshot found, starting fresh", slog.String("path", s.path))
		return NewDeviceState(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading snapshot %s: %w", s.path, err)
	}

	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrCorruptState, s.path, err)
	}

	if doc.LastSyncedAt == nil {
		return nil, fmt.Errorf("%w: %s is missing lastSyncedAt", ErrCorruptState, s.path)
	}

	if doc.Todos == nil {
		return nil, fmt.Errorf("%w: %s is missing todos", ErrCorruptState, s.path)
	}

	if doc.ServerIDToLocalID == nil {
		return nil, fmt.Errorf("%w: %s is missing serverIdToLocalId", ErrCorruptState, s.path)
	}

	if err := checkBijection(doc.ServerIDToLocalID); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path, err)
	}

	state := &DeviceState{
		LastSyncedAt:      *doc.LastSyncedAt,
		Todos:             doc.Todos,
		ServerIDToLocalID: doc.ServerIDToLocalID,
		Dirty: Dirty{
			Upserted: map[string]bool{},
			Deleted:  map[string]string{},
		},
	}

	// Schema tolerance: older snapshots may predate optional record fields.
	// Default the edit timestamp to the cursor so merge comparisons stay sane.
	for localID, rec := range state.Todos {
		if rec.Tags == nil {
			rec.Tags = []string{}
		}

		if rec.EditedAt == "" {
			rec.EditedAt = state.LastSyncedAt
		}

		if rec.Status == "" {
			rec.Status = api.StatusOpen
		}

		state.Todos[localID] = rec
	}

	if doc.Dirty != nil {
		for _, localID := range doc.Dirty.Upserted {
			// I4: upserted refers only to local ids still in the snapshot.
			if _, ok := state.Todos[localID]; ok {
				state.Dirty.Upserted[localID] = true
			}
		}

		if doc.Dirty.Deleted != nil {
			state.Dirty.Deleted = doc.Dirty.Deleted
		}
	}

	return state, nil
}

// Save atomically replaces the snapshot: write a sibling temp file, fsync,
// then rename over the target. External readers never see a partial file.
func (s *StateStore) Save(state *DeviceState) error {
	doc := stateFile{
		LastSyncedAt:      &state.LastSyncedAt,
		Todos:             state.Todos,
		ServerIDToLocalID: state.ServerIDToLocalID,
		Dirty: &dirtyFile{
			Upserted: sortedKeys(state.Dirty.Upserted),
			Deleted:  state.Dirty.Deleted,
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding snapshot: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", s.path, os.Getpid())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, stateFilePermissions)
	if err != nil {
		return fmt.Errorf("sync: creating temp snapshot: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync: writing temp snapshot: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync: syncing temp snapshot: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: closing temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: replacing snapshot: %w", err)
	}

	return nil
}

// Backup copies the live snapshot to its .bak sidecar. Called once per
// cycle before any mutation of state begins. A missing snapshot (fresh
// device) is not an error.
func (s *StateStore) Backup() error {
	src, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: opening snapshot for backup: %w", err)
	}
	defer src.Close()

	bakPath := s.path + ".bak"
	tmpPath := bakPath + ".tmp"

	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, stateFilePermissions)
	if err != nil {
		return fmt.Errorf("sync: creating backup: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync: writing backup: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: closing backup: %w", err)
	}

	if err := os.Rename(tmpPath, bakPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: replacing backup: %w", err)
	}

	return nil
}

// checkBijection verifies no local id is referenced by two server ids.
// (Server-id uniqueness is structural: it is the map key.)
func checkBijection(mapping map[string]string) error {
	seen := map[string]string{}

	for sid, lid := range mapping {
		if prev, ok := seen[lid]; ok {
			return fmt.Errorf("local id %s mapped from both %s and %s", lid, prev, sid)
		}

		seen[lid] = sid
	}

	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
