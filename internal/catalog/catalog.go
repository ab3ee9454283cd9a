package catalog

import (
	"context"
	"errors"
	"sync"
)

// ErrItemNotFound is returned when the read model has no entry for an item id.
var ErrItemNotFound = errors.New("catalog item not found")

// Item is the trading service's local copy of a catalog entry.
type Item struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// Store is the catalog read model.
type Store interface {
	Get(ctx context.Context, id string) (Item, error)
	// Create inserts item unless an entry with the same id exists; created reports which happened.
	Create(ctx context.Context, item Item) (created bool, err error)
	Upsert(ctx context.Context, item Item) error
	// Delete removes the entry; deleted is false when nothing was there.
	Delete(ctx context.Context, id string) (deleted bool, err error)
}

// InMemoryStore keeps catalog items in process memory. It also satisfies the
// orchestrator's price lookup.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewInMemoryStore constructs a store seeded with items.
func NewInMemoryStore(items ...Item) *InMemoryStore {
	s := &InMemoryStore{items: make(map[string]Item, len(items))}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (s *InMemoryStore) GetPrice(ctx context.Context, itemID string) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	return item.Price, ok, nil
}

func (s *InMemoryStore) Create(ctx context.Context, item Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	s.items[item.ID] = item
	return true, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, item Item) error {
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}
