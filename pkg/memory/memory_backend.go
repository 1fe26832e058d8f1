package memory

import (
	"context"
	"sync"
)

// MemoryBackend is the default in-process Backend. Nothing survives the
// process.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]Item
	order []string
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty map-backed store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]Item)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Put(_ context.Context, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[item.ID]; !ok {
		b.order = append(b.order, item.ID)
	}
	b.items[item.ID] = item.clone()
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (Item, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[id]
	if !ok {
		return Item{}, false, nil
	}
	return it.clone(), true, nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[id]; !ok {
		return false, nil
	}
	delete(b.items, id)
	for i, x := range b.order {
		if x == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *MemoryBackend) Search(_ context.Context, req SearchRequest) ([]Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Candidate
	for _, id := range b.order {
		it := b.items[id]
		if req.OwnerID != "" && it.OwnerID != req.OwnerID {
			continue
		}
		if it.Importance < req.MinImportance {
			continue
		}
		out = append(out, Candidate{Item: it.clone()})
	}
	return out, nil
}

func (b *MemoryBackend) List(_ context.Context) ([]Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Item, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id].clone())
	}
	return out, nil
}

func (b *MemoryBackend) Count(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items), nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]Item)
	b.order = nil
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
