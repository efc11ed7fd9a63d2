package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrow transactions in PostgreSQL.
//
// Two constraints back the engine's invariants: a unique index on
// gateway_session_id (one transaction per checkout session) and a partial
// unique index on (listing_id, buyer_id) over active statuses (one active
// transaction per pair).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, listing_id, buyer_id, seller_id, status, amount_cents, fee_cents,
	total_cents, currency, gateway_session_id, payment_ref, held_at, seller_confirmed_at,
	buyer_confirmed_at, captured_at, disputed_at, dispute_reason, resolution, resolved_by,
	resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, txn *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		txn.ID, txn.ListingID, txn.BuyerID, txn.SellerID, txn.Status, txn.AmountCents,
		txn.FeeCents, txn.TotalCents, txn.Currency, txn.GatewaySessionID,
		nullStr(txn.PaymentRef), txn.HeldAt, txn.SellerConfirmedAt, txn.BuyerConfirmedAt,
		txn.CapturedAt, txn.DisputedAt, nullStr(txn.DisputeReason), nullStr(txn.Resolution),
		nullStr(txn.ResolvedBy), txn.ResolvedAt, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Transaction, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions WHERE gateway_session_id = $1`, sessionID))
}

func (p *PostgresStore) ActiveByPair(ctx context.Context, listingID, buyerID string) (*Transaction, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE listing_id = $1 AND buyer_id = $2 AND status IN ('held', 'disputed')`,
		listingID, buyerID))
}

func (p *PostgresStore) ActiveForListing(ctx context.Context, listingID, userID string) (*Transaction, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE listing_id = $1 AND status IN ('held', 'disputed')
		  AND (buyer_id = $2 OR seller_id = $2)
		LIMIT 1`, listingID, userID))
}

// Update issues a guarded write: the row only changes if its status still
// equals from, so a stale caller observes ErrInvalidState instead of
// clobbering a concurrent transition.
func (p *PostgresStore) Update(ctx context.Context, txn *Transaction, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $2, payment_ref = $3, held_at = $4, seller_confirmed_at = $5,
			buyer_confirmed_at = $6, captured_at = $7, disputed_at = $8,
			dispute_reason = $9, resolution = $10, resolved_by = $11,
			resolved_at = $12, updated_at = $13
		WHERE id = $1 AND status = $14`,
		txn.ID, txn.Status, nullStr(txn.PaymentRef), txn.HeldAt, txn.SellerConfirmedAt,
		txn.BuyerConfirmedAt, txn.CapturedAt, txn.DisputedAt, nullStr(txn.DisputeReason),
		nullStr(txn.Resolution), nullStr(txn.ResolvedBy), txn.ResolvedAt, txn.UpdatedAt,
		from,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateActive
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost transition race
		var exists bool
		if err := p.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, txn.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Transaction, error) {
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func scanTxn(s scanner) (*Transaction, error) {
	txn := &Transaction{}
	var paymentRef, disputeReason, resolution, resolvedBy sql.NullString
	err := s.Scan(
		&txn.ID, &txn.ListingID, &txn.BuyerID, &txn.SellerID, &txn.Status,
		&txn.AmountCents, &txn.FeeCents, &txn.TotalCents, &txn.Currency,
		&txn.GatewaySessionID, &paymentRef, &txn.HeldAt, &txn.SellerConfirmedAt,
		&txn.BuyerConfirmedAt, &txn.CapturedAt, &txn.DisputedAt, &disputeReason,
		&resolution, &resolvedBy, &txn.ResolvedAt, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.PaymentRef = paymentRef.String
	txn.DisputeReason = disputeReason.String
	txn.Resolution = resolution.String
	txn.ResolvedBy = resolvedBy.String
	return txn, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
