package sync

import (
	"log/slog"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/hostapp"
)

// ChangeSummary reports what the detector classified in one readout.
type ChangeSummary struct {
	Added    int
	Modified int
	Deleted  int

	// Withdrawn counts pending deletions canceled because the item
	// reappeared in the host application before the push.
	Withdrawn int
}

// DetectChanges diffs the host-application readout against the snapshot and
// updates the snapshot records and the dirty set in place. Touched records
// get editedAt = now, which is what the server merges on. The item's ordinal
// in the readout becomes its position.
func DetectChanges(state *DeviceState, items []hostapp.Item, now time.Time, logger *slog.Logger) ChangeSummary {
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(state)
	nowStamp := api.FormatTime(now)

	var summary ChangeSummary

	current := make(map[string]TodoRecord, len(items))
	for i, item := range items {
		current[item.LocalID] = TodoRecord{
			Title:    item.Title,
			Notes:    item.Notes,
			DueDate:  item.DueDate,
			Tags:     api.NormalizeTags(item.Tags),
			Status:   item.Status,
			Position: i,
		}
	}

	for localID, rec := range current {
		prev, known := state.Todos[localID]

		if known && prev.Equal(rec) {
			continue
		}

		rec.EditedAt = nowStamp
		state.Todos[localID] = rec
		state.Dirty.Upserted[localID] = true

		if known {
			summary.Modified++

			logger.Debug("local modification detected", slog.String("local_id", localID))
		} else {
			summary.Added++

			logger.Debug("local addition detected", slog.String("local_id", localID))
		}
	}

	for localID := range state.Todos {
		if _, present := current[localID]; present {
			continue
		}

		delete(state.Todos, localID)
		delete(state.Dirty.Upserted, localID)

		summary.Deleted++

		serverID, mapped := registry.ServerID(localID)
		if !mapped {
			// Never pushed: the item just evaporates.
			logger.Debug("unmapped local todo disappeared", slog.String("local_id", localID))
			continue
		}

		if _, pending := state.Dirty.Deleted[serverID]; !pending {
			state.Dirty.Deleted[serverID] = nowStamp
		}

		logger.Debug("local deletion detected",
			slog.String("local_id", localID),
			slog.String("server_id", serverID),
		)
	}

	// A pending delete whose local id has reappeared was spurious: the host
	// application restored the item before we pushed. Withdraw it.
	for serverID := range state.Dirty.Deleted {
		localID, ok := registry.LocalID(serverID)
		if !ok {
			continue
		}

		if _, present := current[localID]; present {
			delete(state.Dirty.Deleted, serverID)
			summary.Withdrawn++

			logger.Debug("pending deletion withdrawn",
				slog.String("local_id", localID),
				slog.String("server_id", serverID),
			)
		}
	}

	return summary
}
