// Package hostapp defines the capability set the sync core needs from the
// host task application: list the todos of one project, create a todo, and
// update a todo. The host application cannot be asked to delete, and its
// creates may be eventually consistent. Create intentionally returns no id;
// callers locate fresh items by re-reading the list.
package hostapp

import (
	"context"

	"github.com/tonimelisma/todosync/internal/api"
)

// Fields are the mutable attributes of a host-app todo.
type Fields struct {
	Title   string
	Notes   string
	DueDate *string
	Tags    []string
	Status  api.Status
}

// Item is one todo as read from the host application. Items are returned in
// the application's display order; the ordinal position is derived by the
// caller from the slice index.
type Item struct {
	LocalID string
	Fields
}

// Provider is the adapter contract the sync core consumes. Implementations
// must be safe for a single caller; the engine never calls concurrently.
type Provider interface {
	// List returns the project's todos in display order.
	List(ctx context.Context) ([]Item, error)

	// Create adds a todo. The new item's id is not returned: the host
	// application may expose it only after a delay, so callers re-read the
	// list and match by title.
	Create(ctx context.Context, f Fields) error

	// Update replaces the fields of an existing todo, including status
	// transitions (completion, cancellation).
	Update(ctx context.Context, localID string, f Fields) error
}
