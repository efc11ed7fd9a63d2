package review

import (
	"context"
	"database/sql"
)

// PostgresStore persists review eligibility in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed eligibility store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Unlock(ctx context.Context, listingID, buyerID string) error {
	// Unlocking twice is a no-op
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO review_eligibility (listing_id, buyer_id, unlocked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (listing_id, buyer_id) DO NOTHING`,
		listingID, buyerID,
	)
	return err
}

func (p *PostgresStore) Eligible(ctx context.Context, listingID, buyerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM review_eligibility WHERE listing_id = $1 AND buyer_id = $2
		)`, listingID, buyerID).Scan(&exists)
	return exists, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
