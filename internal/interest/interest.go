// Package interest tracks a buyer's declared interest in a listing and its
// negotiation lifecycle. Interest records are informational: they mirror
// marketplace progress but never gate money movement.
package interest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/campusmarket/securepay/internal/audit"
	"github.com/campusmarket/securepay/internal/idgen"
	"github.com/campusmarket/securepay/internal/listing"
	"github.com/campusmarket/securepay/internal/metrics"
	"github.com/campusmarket/securepay/internal/notify"
)

// Status is the negotiation state of an interest record.
type Status string

const (
	StatusInterested Status = "interested"
	StatusAgreed     Status = "agreed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// canTransition defines the legal edges: interested->agreed, agreed->completed,
// and any non-terminal state -> cancelled.
func canTransition(from, to Status) bool {
	switch {
	case from == StatusInterested && to == StatusAgreed:
		return true
	case from == StatusAgreed && to == StatusCompleted:
		return true
	case to == StatusCancelled && !from.Terminal():
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("interest record not found")
	ErrForbidden         = errors.New("not a party to this interest record")
	ErrInvalidActor      = errors.New("cannot express interest in your own listing")
	ErrAlreadyInterested = errors.New("interest already recorded for this listing")
	ErrInvalidTransition = errors.New("invalid interest status transition")
)

// Record is one buyer's interest in one listing. At most one record exists
// per (listing, buyer) pair.
type Record struct {
	ID          string     `json:"id"`
	ListingID   string     `json:"listingId"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store persists interest records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByPair(ctx context.Context, listingID, buyerID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string, asBuyer bool, limit int) ([]*Record, error)
	CountCompleted(ctx context.Context, userID string) (bought, sold int64, err error)
}

// ReviewUnlocker is notified when a pair reaches completed so the review
// system can open submission for the buyer.
type ReviewUnlocker interface {
	Unlock(ctx context.Context, listingID, buyerID string) error
}

// Listings is the slice of the listing store the ledger needs.
type Listings interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	MarkSold(ctx context.Context, id string) error
}

// Service implements the interest ledger operations.
type Service struct {
	store    Store
	listings Listings
	reviews  ReviewUnlocker
	audit    *audit.Log
	notifier *notify.Service
	logger   *slog.Logger

	// pairLocks serializes ExpressInterest per (listing, buyer) pair so two
	// concurrent calls cannot both pass the existence check.
	pairLocks sync.Map
}

// NewService creates the interest ledger service.
func NewService(store Store, listings Listings, reviews ReviewUnlocker, auditLog *audit.Log, notifier *notify.Service, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		listings: listings,
		reviews:  reviews,
		audit:    auditLog,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) pairLock(listingID, buyerID string) *sync.Mutex {
	v, _ := s.pairLocks.LoadOrStore(listingID+"|"+buyerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ExpressInterest records the buyer's interest in a listing. By default it is
// idempotent: an existing record for the pair is returned as-is. With strict
// set, an existing record fails with ErrAlreadyInterested instead.
func (s *Service) ExpressInterest(ctx context.Context, buyerID, listingID string, strict bool) (*Record, error) {
	lst, err := s.listings.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, listing.ErrListingNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lst.SellerID == buyerID {
		return nil, ErrInvalidActor
	}

	lock := s.pairLock(listingID, buyerID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.store.GetByPair(ctx, listingID, buyerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if strict {
			return nil, ErrAlreadyInterested
		}
		return existing, nil
	}

	rec := &Record{
		ID:        idgen.WithPrefix("int_"),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  lst.SellerID,
		Status:    StatusInterested,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	metrics.InterestRecordsTotal.WithLabelValues("expressed").Inc()
	s.audit.Record(ctx, buyerID, "interest.express", "interest", rec.ID, listingID)
	s.notifier.Notify(ctx, lst.SellerID, "interest", "New interest in your listing",
		"A buyer is interested in "+lst.Title)

	return rec, nil
}

// Get returns a record visible to either party.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.BuyerID != actorID && rec.SellerID != actorID {
		return nil, ErrForbidden
	}
	return rec, nil
}

// ListByUser returns the actor's records as buyer or seller, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, asBuyer bool, limit int) ([]*Record, error) {
	return s.store.ListByUser(ctx, userID, asBuyer, limit)
}

// UpdateStatus moves a record along a legal edge. Either party may call it;
// terminal states admit no further transitions.
func (s *Service) UpdateStatus(ctx context.Context, id, actorID string, newStatus Status) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.BuyerID != actorID && rec.SellerID != actorID {
		return nil, ErrForbidden
	}
	if !canTransition(rec.Status, newStatus) {
		return nil, ErrInvalidTransition
	}

	rec.Status = newStatus
	if newStatus == StatusCompleted && rec.CompletedAt == nil {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	metrics.InterestRecordsTotal.WithLabelValues(string(newStatus)).Inc()
	s.audit.Record(ctx, actorID, "interest.update", "interest", rec.ID, string(newStatus))

	if newStatus == StatusCompleted {
		s.onCompleted(ctx, rec)
	}
	return rec, nil
}

// Withdraw deletes a non-terminal record. Only the buyer may withdraw.
func (s *Service) Withdraw(ctx context.Context, id, actorID string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.BuyerID != actorID {
		return ErrForbidden
	}
	if rec.Status.Terminal() {
		return ErrInvalidTransition
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	metrics.InterestRecordsTotal.WithLabelValues("withdrawn").Inc()
	s.audit.Record(ctx, actorID, "interest.withdraw", "interest", rec.ID, rec.ListingID)
	return nil
}

// MarkCompleted drives the pair's record to completed as an engine side
// effect. Missing or already-terminal records are a no-op.
func (s *Service) MarkCompleted(ctx context.Context, listingID, buyerID string) {
	rec, err := s.store.GetByPair(ctx, listingID, buyerID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("interest lookup failed", "listing", listingID, "buyer", buyerID, "error", err)
		}
		return
	}
	if rec.Status.Terminal() {
		return
	}

	rec.Status = StatusCompleted
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("interest completion failed", "record", rec.ID, "error", err)
		return
	}
	metrics.InterestRecordsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.onCompleted(ctx, rec)
}

// MarkCancelled drives the pair's record to cancelled as an engine side
// effect. Missing or already-terminal records are a no-op.
func (s *Service) MarkCancelled(ctx context.Context, listingID, buyerID string) {
	rec, err := s.store.GetByPair(ctx, listingID, buyerID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("interest lookup failed", "listing", listingID, "buyer", buyerID, "error", err)
		}
		return
	}
	if rec.Status.Terminal() {
		return
	}

	rec.Status = StatusCancelled
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("interest cancellation failed", "record", rec.ID, "error", err)
		return
	}
	metrics.InterestRecordsTotal.WithLabelValues(string(StatusCancelled)).Inc()
}

// onCompleted runs the completion side effects: the listing is marked sold
// and review submission opens for the buyer. Failures are logged, never
// propagated; the status transition has already committed.
func (s *Service) onCompleted(ctx context.Context, rec *Record) {
	if err := s.listings.MarkSold(ctx, rec.ListingID); err != nil && !errors.Is(err, listing.ErrListingNotFound) {
		s.logger.Error("mark sold failed", "listing", rec.ListingID, "error", err)
	}
	if s.reviews != nil {
		if err := s.reviews.Unlock(ctx, rec.ListingID, rec.BuyerID); err != nil {
			s.logger.Error("review unlock failed", "listing", rec.ListingID, "buyer", rec.BuyerID, "error", err)
		}
	}
	s.notifier.Notify(ctx, rec.SellerID, "interest", "Sale completed",
		"Your listing has been marked sold")
}

// UserStats summarizes a user's marketplace activity.
type UserStats struct {
	ItemsBought    int64 `json:"itemsBought"`
	ItemsSold      int64 `json:"itemsSold"`
	ActiveListings int64 `json:"activeListings"`
}

// ListingCounter counts a seller's active unsold listings.
type ListingCounter interface {
	CountActiveBySeller(ctx context.Context, sellerID string) (int64, error)
}

// Stats returns completed-purchase counts and the active listing count for a user.
func (s *Service) Stats(ctx context.Context, userID string, listings ListingCounter) (*UserStats, error) {
	bought, sold, err := s.store.CountCompleted(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := listings.CountActiveBySeller(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserStats{ItemsBought: bought, ItemsSold: sold, ActiveListings: active}, nil
}
