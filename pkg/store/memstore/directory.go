package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Directory is an in-memory user directory.
type Directory struct {
	mu     sync.RWMutex
	active map[uuid.UUID]bool
	calls  int
}

func NewDirectory() *Directory {
	return &Directory{active: make(map[uuid.UUID]bool)}
}

func (d *Directory) UpsertUser(_ context.Context, id uuid.UUID, _ string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[id] = active
	return nil
}

// Add registers active users.
func (d *Directory) Add(ids ...uuid.UUID) {
	for _, id := range ids {
		_ = d.UpsertUser(context.Background(), id, "", true)
	}
}

func (d *Directory) SetActive(id uuid.UUID, active bool) {
	_ = d.UpsertUser(context.Background(), id, "", active)
}

func (d *Directory) UsersExistAndActive(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return lo.Filter(ids, func(id uuid.UUID, _ int) bool { return d.active[id] }), nil
}

// Calls reports how many lookups were made.
func (d *Directory) Calls() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.calls
}
