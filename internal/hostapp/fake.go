package hostapp

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Provider for tests. CreateLatency simulates the
// eventually-consistent host application: a created item only becomes
// visible after that many subsequent List calls.
type Fake struct {
	mu sync.Mutex

	items   []Item
	pending []pendingItem
	nextID  int

	// CreateLatency is the number of List calls a created item stays
	// invisible for. Zero means creates are immediately visible.
	CreateLatency int

	// ListErr, CreateErr, and UpdateErr force the next matching call to fail.
	ListErr   error
	CreateErr error
	UpdateErr error
}

type pendingItem struct {
	item      Item
	listsLeft int
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{}
}

// List returns the visible items and ages pending creates.
func (f *Fake) List(_ context.Context) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		err := f.ListErr
		f.ListErr = nil

		return nil, err
	}

	var stillPending []pendingItem

	for _, p := range f.pending {
		if p.listsLeft <= 0 {
			f.items = append(f.items, p.item)
			continue
		}

		p.listsLeft--
		stillPending = append(stillPending, p)
	}

	f.pending = stillPending

	out := make([]Item, len(f.items))
	copy(out, f.items)

	return out, nil
}

// Create registers a new item, visible after CreateLatency List calls.
func (f *Fake) Create(_ context.Context, fields Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil

		return err
	}

	f.nextID++
	item := Item{
		LocalID: fmt.Sprintf("local-%d", f.nextID),
		Fields:  fields,
	}

	if f.CreateLatency <= 0 {
		f.items = append(f.items, item)
		return nil
	}

	f.pending = append(f.pending, pendingItem{item: item, listsLeft: f.CreateLatency})

	return nil
}

// Update replaces the fields of an existing visible item.
func (f *Fake) Update(_ context.Context, localID string, fields Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateErr != nil {
		err := f.UpdateErr
		f.UpdateErr = nil

		return err
	}

	for i := range f.items {
		if f.items[i].LocalID == localID {
			f.items[i].Fields = fields
			return nil
		}
	}

	return fmt.Errorf("hostapp: fake: todo %s not found", localID)
}

// Seed replaces the visible items. Test setup only.
func (f *Fake) Seed(items []Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items = make([]Item, len(items))
	copy(f.items, items)
}

// Remove drops a visible item, simulating a user deleting it in the host
// application.
func (f *Fake) Remove(localID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.items {
		if f.items[i].LocalID == localID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return
		}
	}
}
