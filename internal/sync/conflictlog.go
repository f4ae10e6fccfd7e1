package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
)

// ConflictKind classifies conflict log entries.
type ConflictKind string

// Entry kinds written to conflicts.json.
const (
	// KindServerRejected records a push mutation the server refused because
	// the remote version won the merge.
	KindServerRejected ConflictKind = "server_rejected"

	// KindDeleteVsLocalEdit records a remote deletion that lost to a newer
	// local edit. The host application cannot be auto-deleted, so the item
	// stays and the user decides.
	KindDeleteVsLocalEdit ConflictKind = "delete_vs_local_edit"

	// KindDeleteAcknowledged records a remote deletion the device accepted;
	// removing the item from the host application is left to the user.
	KindDeleteAcknowledged ConflictKind = "delete_acknowledged"
)

// ConflictEntry is one record in the append-only conflict log.
type ConflictEntry struct {
	Kind       ConflictKind  `json:"kind"`
	ServerID   string        `json:"serverId"`
	Reason     string        `json:"reason,omitempty"`
	ServerTodo *api.Todo     `json:"serverTodo,omitempty"`
	ClientTodo *api.PushTodo `json:"clientTodo,omitempty"`
	LocalTitle string        `json:"localTitle,omitempty"`
	OccurredAt string        `json:"occurredAt"`
}

// ConflictLog is the append-only device-local record of merge rejections
// and delete conflicts. The whole file is rewritten via temp-and-rename on
// every append, so concurrent readers never see a partial document.
type ConflictLog struct {
	path   string
	logger *slog.Logger
}

// NewConflictLog creates a ConflictLog at the given path.
func NewConflictLog(path string, logger *slog.Logger) *ConflictLog {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConflictLog{path: path, logger: logger}
}

// List returns all recorded entries, oldest first.
func (l *ConflictLog) List() ([]ConflictEntry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []ConflictEntry{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading conflict log %s: %w", l.path, err)
	}

	var entries []ConflictEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("sync: decoding conflict log %s: %w", l.path, err)
	}

	return entries, nil
}

// Append adds entries to the log, stamping each with the current local time.
func (l *ConflictLog) Append(now time.Time, entries ...ConflictEntry) error {
	if len(entries) == 0 {
		return nil
	}

	existing, err := l.List()
	if err != nil {
		return err
	}

	stamp := api.FormatTime(now)

	for _, e := range entries {
		e.OccurredAt = stamp
		existing = append(existing, e)

		l.logger.Warn("conflict recorded",
			slog.String("kind", string(e.Kind)),
			slog.String("server_id", e.ServerID),
			slog.String("reason", e.Reason),
		)
	}

	return l.write(existing)
}

// Clear truncates the log.
func (l *ConflictLog) Clear() error {
	return l.write([]ConflictEntry{})
}

func (l *ConflictLog) write(entries []ConflictEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding conflict log: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", l.path, os.Getpid())

	if err := os.WriteFile(tmpPath, data, stateFilePermissions); err != nil {
		return fmt.Errorf("sync: writing conflict log: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: replacing conflict log: %w", err)
	}

	return nil
}
