//go:build integration

package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/campusmarket/securepay/internal/testutil"
)

func testTxn(n int, status Status) *Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	txn := &Transaction{
		ID:               fmt.Sprintf("txn_%024d", n),
		ListingID:        fmt.Sprintf("lst_%024d", n),
		BuyerID:          "usr_aaaaaaaaaaaaaaaaaaaaaaaa",
		SellerID:         "usr_bbbbbbbbbbbbbbbbbbbbbbbb",
		Status:           status,
		AmountCents:      10000,
		FeeCents:         700,
		TotalCents:       10700,
		Currency:         "cad",
		GatewaySessionID: fmt.Sprintf("cs_test_%024d", n),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if status != StatusPending {
		txn.PaymentRef = "pi_" + txn.GatewaySessionID
		txn.HeldAt = &now
	}
	return txn
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := testTxn(1, StatusPending)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.AmountCents != 10000 || got.FeeCents != 700 || got.TotalCents != 10700 {
		t.Errorf("Amounts mismatch: %d/%d/%d", got.AmountCents, got.FeeCents, got.TotalCents)
	}
	if !got.CreatedAt.Equal(txn.CreatedAt) {
		t.Errorf("CreatedAt mismatch: %v vs %v", got.CreatedAt, txn.CreatedAt)
	}

	bySession, err := store.GetBySession(ctx, txn.GatewaySessionID)
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}
	if bySession.ID != txn.ID {
		t.Errorf("Expected %s, got %s", txn.ID, bySession.ID)
	}

	if _, err := store.Get(ctx, "txn_000000000000000000000000"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresStore_GuardedUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := testTxn(2, StatusPending)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Stale guard: the row is pending, not held
	txn.Status = StatusCaptured
	if err := store.Update(ctx, txn, StatusHeld); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for stale guard, got %v", err)
	}

	// Correct guard succeeds
	now := time.Now().UTC().Truncate(time.Microsecond)
	txn.Status = StatusHeld
	txn.PaymentRef = "pi_test"
	txn.HeldAt = &now
	txn.UpdatedAt = now
	if err := store.Update(ctx, txn, StatusPending); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusHeld || got.PaymentRef != "pi_test" {
		t.Errorf("Update not persisted: %s/%s", got.Status, got.PaymentRef)
	}

	// Missing row is distinguished from a lost race
	missing := testTxn(3, StatusHeld)
	if err := store.Update(ctx, missing, StatusHeld); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresStore_OneActivePerPair(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	first := testTxn(4, StatusHeld)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create first: %v", err)
	}

	// A second pending transaction on the same pair is allowed...
	second := testTxn(5, StatusPending)
	second.ListingID = first.ListingID
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	// ...but promoting it to held trips the partial unique index
	second.Status = StatusHeld
	err := store.Update(ctx, second, StatusPending)
	if !errors.Is(err, ErrDuplicateActive) {
		t.Errorf("Expected ErrDuplicateActive, got %v", err)
	}

	active, err := store.ActiveByPair(ctx, first.ListingID, first.BuyerID)
	if err != nil {
		t.Fatalf("ActiveByPair: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("Expected %s active, got %s", first.ID, active.ID)
	}
}

func TestPostgresStore_ActiveForListing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := testTxn(6, StatusHeld)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, userID := range []string{txn.BuyerID, txn.SellerID} {
		got, err := store.ActiveForListing(ctx, txn.ListingID, userID)
		if err != nil {
			t.Fatalf("ActiveForListing(%s): %v", userID, err)
		}
		if got.ID != txn.ID {
			t.Errorf("Expected %s, got %s", txn.ID, got.ID)
		}
	}

	outsider := "usr_cccccccccccccccccccccccc"
	if _, err := store.ActiveForListing(ctx, txn.ListingID, outsider); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound for outsider, got %v", err)
	}
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		txn := testTxn(10+i, StatusPending)
		txn.CreatedAt = txn.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	txns, err := store.ListByUser(ctx, "usr_aaaaaaaaaaaaaaaaaaaaaaaa", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("Expected 3 transactions, got %d", len(txns))
	}
	// Newest first
	for i := 1; i < len(txns); i++ {
		if txns[i].CreatedAt.After(txns[i-1].CreatedAt) {
			t.Error("Expected newest-first ordering")
		}
	}

	txns, err = store.ListByUser(ctx, "usr_aaaaaaaaaaaaaaaaaaaaaaaa", 2)
	if err != nil {
		t.Fatalf("ListByUser limited: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("Expected limit 2 respected, got %d", len(txns))
	}
}
