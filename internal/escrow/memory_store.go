package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns      map[string]*Transaction
	bySession map[string]string // gateway session ID -> transaction ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:      make(map[string]*Transaction),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[txn.GatewaySessionID]; exists {
		return ErrDuplicateActive
	}
	for _, t := range m.txns {
		if t.ListingID == txn.ListingID && t.BuyerID == txn.BuyerID && t.Status.Active() {
			return ErrDuplicateActive
		}
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	m.bySession[txn.GatewaySessionID] = txn.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetBySession(ctx context.Context, sessionID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

func (m *MemoryStore) ActiveByPair(ctx context.Context, listingID, buyerID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.ListingID == listingID && t.BuyerID == buyerID && t.Status.Active() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ActiveForListing(ctx context.Context, listingID, userID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.ListingID == listingID && t.Status.Active() && t.Party(userID) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

// Update writes the transaction only if its stored status equals from,
// mirroring the guarded UPDATE the PostgreSQL store issues.
func (m *MemoryStore) Update(ctx context.Context, txn *Transaction, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txns[txn.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Status != from {
		return ErrInvalidState
	}
	if txn.Status != from && !canTransition(from, txn.Status) {
		return ErrInvalidState
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Party(userID) {
			cp := *t
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

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
