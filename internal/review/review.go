// Package review tracks which (listing, buyer) pairs are eligible for review
// submission. The wider marketplace owns reviews themselves; the engines only
// unlock eligibility when a purchase completes.
package review

import (
	"context"
	"sync"
	"time"
)

// Unlocker opens review submission for a completed purchase.
type Unlocker interface {
	Unlock(ctx context.Context, listingID, buyerID string) error
}

// Store is the full eligibility surface.
type Store interface {
	Unlocker
	Eligible(ctx context.Context, listingID, buyerID string) (bool, error)
}

// MemoryStore is an in-memory eligibility store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	unlocked map[string]time.Time
}

// NewMemoryStore creates a new in-memory eligibility store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{unlocked: make(map[string]time.Time)}
}

func key(listingID, buyerID string) string {
	return listingID + "|" + buyerID
}

func (m *MemoryStore) Unlock(ctx context.Context, listingID, buyerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(listingID, buyerID)
	if _, ok := m.unlocked[k]; !ok {
		m.unlocked[k] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) Eligible(ctx context.Context, listingID, buyerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.unlocked[key(listingID, buyerID)]
	return ok, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
