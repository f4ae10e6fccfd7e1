package sync

import (
	"fmt"
	"sort"
)

// Registry is a view over the device state's server-id/local-id mapping
// that enforces the bijection invariant. It does not own the map: mutations
// go straight into the DeviceState so they persist with the snapshot.
type Registry struct {
	state *DeviceState
}

// NewRegistry wraps the mapping inside state.
func NewRegistry(state *DeviceState) *Registry {
	return &Registry{state: state}
}

// LocalID resolves a server id to the device-local id.
func (r *Registry) LocalID(serverID string) (string, bool) {
	localID, ok := r.state.ServerIDToLocalID[serverID]
	return localID, ok
}

// ServerID resolves a device-local id back to the server id. The mapping is
// small (one entry per todo on the device), so a linear scan is fine.
func (r *Registry) ServerID(localID string) (string, bool) {
	for sid, lid := range r.state.ServerIDToLocalID {
		if lid == localID {
			return sid, true
		}
	}

	return "", false
}

// Bind records the serverID/localID pair. It fails with ErrDuplicateMapping when
// either side already points elsewhere to a still-live record: two server
// ids sharing a local id (or vice versa) is exactly how duplicate todos are
// born, so the cycle must abort instead.
func (r *Registry) Bind(serverID, localID string) error {
	if serverID == "" || localID == "" {
		return fmt.Errorf("%w: empty id in bind (%q, %q)", ErrDuplicateMapping, serverID, localID)
	}

	if existing, ok := r.state.ServerIDToLocalID[serverID]; ok && existing != localID {
		if _, live := r.state.Todos[existing]; live {
			return fmt.Errorf("%w: server id %s already bound to live local id %s",
				ErrDuplicateMapping, serverID, existing)
		}
	}

	if _, live := r.state.Todos[localID]; live {
		for sid, lid := range r.state.ServerIDToLocalID {
			if lid == localID && sid != serverID {
				return fmt.Errorf("%w: local id %s already bound to server id %s",
					ErrDuplicateMapping, localID, sid)
			}
		}
	}

	r.state.ServerIDToLocalID[serverID] = localID

	return nil
}

// Unbind removes the mapping for serverID after a confirmed remote deletion
// whose local counterpart is gone.
func (r *Registry) Unbind(serverID string) {
	delete(r.state.ServerIDToLocalID, serverID)
}

// DuplicateCandidates lists local ids referenced by more than one server id.
// The diagnose command surfaces these when a cycle aborts with
// ErrDuplicateMapping.
func (r *Registry) DuplicateCandidates() map[string][]string {
	byLocal := map[string][]string{}
	for sid, lid := range r.state.ServerIDToLocalID {
		byLocal[lid] = append(byLocal[lid], sid)
	}

	dupes := map[string][]string{}

	for lid, sids := range byLocal {
		if len(sids) > 1 {
			sort.Strings(sids)
			dupes[lid] = sids
		}
	}

	return dupes
}
