// Package listing provides read access to marketplace listings.
//
// Listings are owned by the wider marketplace application; the escrow and
// interest engines only read price/seller/state for authorization checks and
// flip the sold flag when a purchase completes. There is deliberately no
// delete operation here: a listing referenced by a non-terminal escrow
// transaction must stay resolvable.
package listing

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrListingNotFound = errors.New("listing not found")

// Listing is the engine-facing view of a marketplace listing.
type Listing struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"sellerId"`
	Title      string    `json:"title"`
	PriceCents int64     `json:"priceCents"`
	IsActive   bool      `json:"isActive"`
	IsSold     bool      `json:"isSold"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	MarkSold(ctx context.Context, id string) error
	CountActiveBySeller(ctx context.Context, sellerID string) (int64, error)
}

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listings[l.ID] = l
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) MarkSold(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.IsSold = true
	return nil
}

func (m *MemoryStore) CountActiveBySeller(ctx context.Context, sellerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, l := range m.listings {
		if l.SellerID == sellerID && l.IsActive && !l.IsSold {
			n++
		}
	}
	return n, nil
}
