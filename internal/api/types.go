// Package api defines the wire model shared by the todosync client and the
// coordination server: todo records, push/delta payloads, conflict entries,
// and the timestamp conventions used for last-edit-wins merging.
package api

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a todo.
type Status string

// Todo statuses as carried on the wire and stored in the status column.
const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// ValidStatus reports whether s is one of the three known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusCompleted, StatusCanceled:
		return true
	default:
		return false
	}
}

// Conflict reasons returned by the server merge engine. These are stable
// strings: clients log them verbatim and tests match on them.
const (
	ReasonRemoteEditNewer   = "Remote edit was newer"
	ReasonRemoteDeleteNewer = "Remote delete was newer"
)

// Todo is the server-visible record of a task item.
type Todo struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Notes     string   `json:"notes"`
	DueDate   *string  `json:"dueDate"`
	Tags      []string `json:"tags"`
	Status    Status   `json:"status"`
	Position  int      `json:"position"`
	EditedAt  string   `json:"editedAt"`
	UpdatedAt string   `json:"updatedAt"`
	CreatedBy string   `json:"createdBy"`
	UpdatedBy string   `json:"updatedBy"`
}

// PushTodo is a client-side upsert. ServerID is set when the client already
// knows the server identity; otherwise ClientID carries the device-local id
// so the server can return a binding in PushResponse.Mappings.
type PushTodo struct {
	ServerID string   `json:"serverId,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Title    string   `json:"title"`
	Notes    string   `json:"notes"`
	DueDate  *string  `json:"dueDate"`
	Tags     []string `json:"tags"`
	Status   Status   `json:"status"`
	Position int      `json:"position"`
	EditedAt string   `json:"editedAt"`
}

// PushDeletion is a client-side delete of a known server record.
type PushDeletion struct {
	ServerID  string `json:"serverId"`
	DeletedAt string `json:"deletedAt"`
}

// PushChanges groups the mutations of a single push.
type PushChanges struct {
	Upserted []PushTodo     `json:"upserted"`
	Deleted  []PushDeletion `json:"deleted"`
}

// PushRequest is the body of POST /push.
type PushRequest struct {
	Todos        PushChanges `json:"todos"`
	LastSyncedAt string      `json:"lastSyncedAt"`
}

// Conflict records a rejected mutation. ServerTodo is the authoritative
// server version at decision time; it is nil when the server side is a
// tombstone. Exactly one of ClientTodo / ClientDeletedAt is set, matching
// the kind of mutation that lost.
type Conflict struct {
	ServerID        string    `json:"serverId"`
	Reason          string    `json:"reason"`
	ServerTodo      *Todo     `json:"serverTodo"`
	ClientTodo      *PushTodo `json:"clientTodo,omitempty"`
	ClientDeletedAt *string   `json:"clientDeletedAt,omitempty"`
}

// Mapping binds a freshly assigned server id to the client-supplied local id.
type Mapping struct {
	ServerID string `json:"serverId"`
	ClientID string `json:"clientId"`
}

// State is the full authoritative todo set plus the server cursor.
type State struct {
	Todos    []Todo `json:"todos"`
	SyncedAt string `json:"syncedAt"`
}

// PushResponse is the body of a successful POST /push.
type PushResponse struct {
	State     State      `json:"state"`
	Conflicts []Conflict `json:"conflicts"`
	Mappings  []Mapping  `json:"mappings,omitempty"`
}

// Tombstone reports a server-side deletion in a delta.
type Tombstone struct {
	ServerID  string `json:"serverId"`
	DeletedAt string `json:"deletedAt"`
}

// DeltaChanges groups the incremental change feed.
type DeltaChanges struct {
	Upserted []Todo      `json:"upserted"`
	Deleted  []Tombstone `json:"deleted"`
}

// DeltaResponse is the body of GET /delta.
type DeltaResponse struct {
	Todos    DeltaChanges `json:"todos"`
	SyncedAt string       `json:"syncedAt"`
}

// ErrorResponse is the body of 4xx/5xx API responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeSyncConflict = "SYNC_CONFLICT"
)

// ParseTime parses a wire timestamp. Timestamps are RFC 3339 UTC strings;
// fractional seconds are accepted. Comparison is always by instant, never
// by string.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("api: parsing timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

// ParseDate parses a due date, which may be a bare calendar date or a full
// timestamp.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}

	return ParseTime(s)
}

// FormatTime renders t as a wire timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NormalizeTags returns tags with a non-nil backing slice so an empty tag
// set serializes as [] rather than null.
func NormalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}

	return tags
}
