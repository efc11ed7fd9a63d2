package interest

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory interest store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byPair  map[string]string // listingID|buyerID -> record ID
}

// NewMemoryStore creates a new in-memory interest store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byPair:  make(map[string]string),
	}
}

func pairKey(listingID, buyerID string) string {
	return listingID + "|" + buyerID
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPair[pairKey(rec.ListingID, rec.BuyerID)]; exists {
		return ErrAlreadyInterested
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.byPair[pairKey(rec.ListingID, rec.BuyerID)] = rec.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByPair(ctx context.Context, listingID, buyerID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[pairKey(listingID, buyerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byPair, pairKey(rec.ListingID, rec.BuyerID))
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, asBuyer bool, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if (asBuyer && rec.BuyerID == userID) || (!asBuyer && rec.SellerID == userID) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountCompleted(ctx context.Context, userID string) (bought, sold int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Status != StatusCompleted {
			continue
		}
		if rec.BuyerID == userID {
			bought++
		}
		if rec.SellerID == userID {
			sold++
		}
	}
	return bought, sold, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
