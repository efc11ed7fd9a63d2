package listing

import (
	"context"
	"database/sql"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts or replaces the engine's view of a listing. The marketplace
// is the source of truth; re-syncs overwrite everything except created_at.
func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, price_cents, is_active, is_sold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			title = EXCLUDED.title,
			price_cents = EXCLUDED.price_cents,
			is_active = EXCLUDED.is_active,
			is_sold = EXCLUDED.is_sold`,
		l.ID, l.SellerID, l.Title, l.PriceCents, l.IsActive, l.IsSold, l.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price_cents, is_active, is_sold, created_at
		FROM listings WHERE id = $1`, id)

	l := &Listing{}
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.PriceCents, &l.IsActive, &l.IsSold, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *PostgresStore) MarkSold(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `UPDATE listings SET is_sold = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) CountActiveBySeller(ctx context.Context, sellerID string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listings
		WHERE seller_id = $1 AND is_active = TRUE AND is_sold = FALSE`, sellerID).Scan(&n)
	return n, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
