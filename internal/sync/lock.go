package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// lockFilePermissions matches the standard config file permissions.
const lockFilePermissions = 0o644

// Lock is the device-local sync lock: a file holding the owning process id.
// It guarantees at most one active cycle per device; it is not a
// cross-device lock. A lock whose owner is no longer alive is stale and is
// silently reclaimed.
type Lock struct {
	path   string
	logger *slog.Logger
}

// NewLock creates a Lock at the given path.
func NewLock(path string, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}

	return &Lock{path: path, logger: logger}
}

// Acquire takes the lock for the current process. Returns ErrSyncRunning
// when a live process already holds it.
func (l *Lock) Acquire() error {
	// Two passes: the second one runs after a stale lock was removed.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePermissions)
		if err == nil {
			_, writeErr := fmt.Fprintf(f, "%d\n", os.Getpid())
			closeErr := f.Close()

			if writeErr != nil || closeErr != nil {
				os.Remove(l.path)
				return fmt.Errorf("sync: writing lock file: %w", errors.Join(writeErr, closeErr))
			}

			return nil
		}

		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("sync: creating lock file %s: %w", l.path, err)
		}

		pid, readErr := readLockPID(l.path)
		if readErr == nil && processAlive(pid) {
			l.logger.Debug("sync lock held",
				slog.String("path", l.path),
				slog.Int("pid", pid),
			)

			return ErrSyncRunning
		}

		// Unreadable or dead owner: the lock is stale.
		l.logger.Warn("removing stale sync lock",
			slog.String("path", l.path),
			slog.Int("pid", pid),
		)

		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("sync: removing stale lock %s: %w", l.path, err)
		}
	}

	return ErrSyncRunning
}

// Release removes the lock file. Safe to call on all exit paths.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("removing sync lock",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
	}
}

// readLockPID parses the process id from the lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("sync: reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("sync: invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
