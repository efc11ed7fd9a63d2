//go:build integration

package interest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/campusmarket/securepay/internal/testutil"
)

func testRecord(n int) *Record {
	return &Record{
		ID:        fmt.Sprintf("int_%024d", n),
		ListingID: fmt.Sprintf("lst_%024d", n),
		BuyerID:   "usr_aaaaaaaaaaaaaaaaaaaaaaaa",
		SellerID:  "usr_bbbbbbbbbbbbbbbbbbbbbbbb",
		Status:    StatusInterested,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := testRecord(1)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusInterested {
		t.Errorf("Expected interested, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("Expected nil CompletedAt on a fresh record")
	}

	byPair, err := store.GetByPair(ctx, rec.ListingID, rec.BuyerID)
	if err != nil {
		t.Fatalf("GetByPair: %v", err)
	}
	if byPair.ID != rec.ID {
		t.Errorf("Expected %s, got %s", rec.ID, byPair.ID)
	}

	if _, err := store.Get(ctx, "int_000000000000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_DuplicatePair(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := testRecord(2)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := testRecord(3)
	dup.ListingID = rec.ListingID
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyInterested) {
		t.Errorf("Expected ErrAlreadyInterested, got %v", err)
	}
}

func TestPostgresStore_UpdateAndDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := testRecord(4)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("Update not persisted: %s / %v", got.Status, got.CompletedAt)
	}

	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	missing := testRecord(5)
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing record, got %v", err)
	}
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := testRecord(10 + i)
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	asBuyer, err := store.ListByUser(ctx, "usr_aaaaaaaaaaaaaaaaaaaaaaaa", true, 10)
	if err != nil {
		t.Fatalf("ListByUser buyer: %v", err)
	}
	if len(asBuyer) != 3 {
		t.Fatalf("Expected 3 records as buyer, got %d", len(asBuyer))
	}
	for i := 1; i < len(asBuyer); i++ {
		if asBuyer[i].CreatedAt.After(asBuyer[i-1].CreatedAt) {
			t.Error("Expected newest-first ordering")
		}
	}

	asSeller, err := store.ListByUser(ctx, "usr_bbbbbbbbbbbbbbbbbbbbbbbb", false, 10)
	if err != nil {
		t.Fatalf("ListByUser seller: %v", err)
	}
	if len(asSeller) != 3 {
		t.Errorf("Expected 3 records as seller, got %d", len(asSeller))
	}
}

func TestPostgresStore_CountCompleted(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 2; i++ {
		rec := testRecord(20 + i)
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	// One still in progress; must not count
	open := testRecord(30)
	if err := store.Create(ctx, open); err != nil {
		t.Fatalf("Create open: %v", err)
	}

	bought, sold, err := store.CountCompleted(ctx, "usr_aaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("CountCompleted: %v", err)
	}
	if bought != 2 || sold != 0 {
		t.Errorf("Expected bought=2 sold=0, got %d/%d", bought, sold)
	}

	bought, sold, err = store.CountCompleted(ctx, "usr_bbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("CountCompleted seller: %v", err)
	}
	if bought != 0 || sold != 2 {
		t.Errorf("Expected bought=0 sold=2, got %d/%d", bought, sold)
	}
}
