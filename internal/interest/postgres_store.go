package interest

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists interest records in PostgreSQL. The unique index on
// (listing_id, buyer_id) backs the one-record-per-pair identity.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed interest store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO interests (id, listing_id, buyer_id, seller_id, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ListingID, rec.BuyerID, rec.SellerID, rec.Status, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyInterested
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, status, created_at, completed_at
		FROM interests WHERE id = $1`, id))
}

func (p *PostgresStore) GetByPair(ctx context.Context, listingID, buyerID string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, status, created_at, completed_at
		FROM interests WHERE listing_id = $1 AND buyer_id = $2`, listingID, buyerID))
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.ID, &rec.ListingID, &rec.BuyerID, &rec.SellerID,
		&rec.Status, &rec.CreatedAt, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE interests SET status = $2, completed_at = $3 WHERE id = $1`,
		rec.ID, rec.Status, rec.CompletedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM interests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, asBuyer bool, limit int) ([]*Record, error) {
	column := "seller_id"
	if asBuyer {
		column = "buyer_id"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, listing_id, buyer_id, seller_id, status, created_at, completed_at
		FROM interests
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.ID, &rec.ListingID, &rec.BuyerID, &rec.SellerID,
			&rec.Status, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountCompleted(ctx context.Context, userID string) (bought, sold int64, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE buyer_id = $1),
			COUNT(*) FILTER (WHERE seller_id = $1)
		FROM interests
		WHERE status = 'completed' AND (buyer_id = $1 OR seller_id = $1)`,
		userID).Scan(&bought, &sold)
	return bought, sold, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
