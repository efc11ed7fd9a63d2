// Package escrow implements Secure-Pay buyer protection for marketplace sales.
//
// Flow:
//  1. Buyer starts checkout: transaction created in pending, funds authorized
//     at the gateway with manual capture
//  2. Gateway reports success: activate moves pending to held
//  3. Seller confirms handoff: seller_confirmed_at set
//  4. Buyer confirms receipt: funds captured, held to captured
//  5. Buyer or seller disputes: refund if handoff unconfirmed, otherwise
//     frozen in disputed until an arbiter resolves to release or refund
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusmarket/securepay/internal/audit"
	"github.com/campusmarket/securepay/internal/gateway"
	"github.com/campusmarket/securepay/internal/idgen"
	"github.com/campusmarket/securepay/internal/listing"
	"github.com/campusmarket/securepay/internal/metrics"
	"github.com/campusmarket/securepay/internal/notify"
	"github.com/campusmarket/securepay/internal/traces"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidState         = errors.New("operation not legal in current transaction state")
	ErrForbidden            = errors.New("not authorized for this transaction")
	ErrInvalidActor         = errors.New("cannot buy your own listing")
	ErrAlreadyConfirmed     = errors.New("handoff already confirmed")
	ErrSellerNotConfirmed   = errors.New("waiting for seller handoff confirmation")
	ErrDuplicateActive      = errors.New("this listing already has an active transaction for this buyer")
	ErrPriceTooLow          = errors.New("listing price is below the escrow minimum")
	ErrListingUnavailable   = errors.New("listing is not available for purchase")
	ErrUnknownSession       = errors.New("no pending transaction for this session")
	ErrPaymentNotAuthorized = errors.New("payment not authorized")
	ErrInvalidDecision      = errors.New("resolution decision must be release or refund")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending  Status = "pending"  // Checkout started, gateway not yet confirmed
	StatusHeld     Status = "held"     // Funds authorized, awaiting handoff and receipt
	StatusCaptured Status = "captured" // Funds released to seller
	StatusDisputed Status = "disputed" // Frozen pending arbitration
	StatusRefunded Status = "refunded" // Authorization cancelled, buyer refunded
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCaptured || s == StatusRefunded
}

// Active reports whether the status counts against the one-active-transaction
// invariant for a (listing, buyer) pair.
func (s Status) Active() bool {
	return s == StatusHeld || s == StatusDisputed
}

// legalEdges is the complete transition table. Anything absent is ErrInvalidState.
var legalEdges = map[Status][]Status{
	StatusPending:  {StatusHeld},
	StatusHeld:     {StatusCaptured, StatusDisputed, StatusRefunded},
	StatusDisputed: {StatusCaptured, StatusRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Resolution decisions recorded by arbitration.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
	// resolutionAutoRefund marks the no-fault refund path taken when a
	// dispute is raised before the seller confirmed handoff.
	resolutionAutoRefund = "auto_refund"
)

// Transaction is one escrow-protected purchase.
type Transaction struct {
	ID                string     `json:"id"`
	ListingID         string     `json:"listingId"`
	BuyerID           string     `json:"buyerId"`
	SellerID          string     `json:"sellerId"`
	Status            Status     `json:"status"`
	AmountCents       int64      `json:"amountCents"` // listing price snapshot at creation
	FeeCents          int64      `json:"feeCents"`
	TotalCents        int64      `json:"totalCents"`
	Currency          string     `json:"currency"`
	GatewaySessionID  string     `json:"gatewaySessionId"`
	PaymentRef        string     `json:"paymentRef,omitempty"`
	HeldAt            *time.Time `json:"heldAt,omitempty"`
	SellerConfirmedAt *time.Time `json:"sellerConfirmedAt,omitempty"`
	BuyerConfirmedAt  *time.Time `json:"buyerConfirmedAt,omitempty"`
	CapturedAt        *time.Time `json:"capturedAt,omitempty"`
	DisputedAt        *time.Time `json:"disputedAt,omitempty"`
	DisputeReason     string     `json:"disputeReason,omitempty"`
	Resolution        string     `json:"resolution,omitempty"`
	ResolvedBy        string     `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Party reports whether the user is the buyer or seller on this transaction.
func (t *Transaction) Party(userID string) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// Store persists escrow transactions.
//
// Update enforces the transition guard: the row is only written if its
// current status equals from, otherwise ErrInvalidState. Backed by a guarded
// UPDATE in PostgreSQL so concurrent service instances cannot lose updates.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetBySession(ctx context.Context, sessionID string) (*Transaction, error)
	ActiveByPair(ctx context.Context, listingID, buyerID string) (*Transaction, error)
	ActiveForListing(ctx context.Context, listingID, userID string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction, from Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// InterestLedger mirrors engine outcomes onto the interest record for the
// same (listing, buyer) pair. Informational only; calls never fail the
// transition that triggered them.
type InterestLedger interface {
	MarkCompleted(ctx context.Context, listingID, buyerID string)
	MarkCancelled(ctx context.Context, listingID, buyerID string)
}

// Listings is the slice of the listing store the engine needs.
type Listings interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	MarkSold(ctx context.Context, id string) error
}

// Pricing carries the engine's money parameters.
type Pricing struct {
	FeePercent     int64  // platform fee, percent of the listing price
	MinAmountCents int64  // listings below this are not escrow-eligible
	Currency       string // ISO currency code, lowercase
	FrontendURL    string // base for checkout redirect URLs
}

// FeeFor computes the platform fee in cents, rounded half up.
func (p Pricing) FeeFor(amountCents int64) int64 {
	return (amountCents*p.FeePercent + 50) / 100
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	gateway  gateway.Gateway
	listings Listings
	ledger   InterestLedger
	audit    *audit.Log
	notifier *notify.Service
	pricing  Pricing
	logger   *slog.Logger

	locks        sync.Map // per-transaction ID, serializes state transitions
	pairLocks    sync.Map // per (listing, buyer), guards the one-active invariant
	sessionLocks sync.Map // per gateway session, serializes activation replays
}

// NewService creates a new escrow service.
func NewService(store Store, gw gateway.Gateway, listings Listings, pricing Pricing, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		listings: listings,
		pricing:  pricing,
		logger:   logger,
	}
}

// WithInterestLedger wires the interest ledger side-effect sink.
func (s *Service) WithInterestLedger(l InterestLedger) *Service {
	s.ledger = l
	return s
}

// WithAudit wires the audit sink.
func (s *Service) WithAudit(a *audit.Log) *Service {
	s.audit = a
	return s
}

// WithNotifier wires the notification sink.
func (s *Service) WithNotifier(n *notify.Service) *Service {
	s.notifier = n
	return s
}

func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) pairLock(listingID, buyerID string) *sync.Mutex {
	v, _ := s.pairLocks.LoadOrStore(listingID+"|"+buyerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CheckoutResult is returned from Create: the pending transaction plus the
// hosted checkout the buyer must complete.
type CheckoutResult struct {
	Transaction *Transaction `json:"transaction"`
	CheckoutURL string       `json:"checkoutUrl"`
	SessionID   string       `json:"sessionId"`
}

// Create starts a checkout for the listing and records a pending transaction.
// The amount is a snapshot of the current listing price; later price edits do
// not affect it.
func (s *Service) Create(ctx context.Context, buyerID, listingID string) (*CheckoutResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(buyerID), traces.ListingID(listingID))
	defer span.End()

	lst, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if lst.SellerID == buyerID {
		return nil, ErrInvalidActor
	}
	if lst.IsSold || !lst.IsActive {
		return nil, ErrListingUnavailable
	}
	if lst.PriceCents < s.pricing.MinAmountCents {
		return nil, fmt.Errorf("%w: minimum is %d cents", ErrPriceTooLow, s.pricing.MinAmountCents)
	}

	mu := s.pairLock(listingID, buyerID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.store.ActiveByPair(ctx, listingID, buyerID); err == nil && existing != nil {
		return nil, ErrDuplicateActive
	} else if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	fee := s.pricing.FeeFor(lst.PriceCents)
	total := lst.PriceCents + fee

	session, err := s.gateway.StartCheckout(ctx, gateway.CheckoutRequest{
		ListingID:    listingID,
		ListingTitle: lst.Title,
		BuyerID:      buyerID,
		SellerID:     lst.SellerID,
		ItemCents:    lst.PriceCents,
		FeeCents:     fee,
		TotalCents:   total,
		Currency:     s.pricing.Currency,
		SuccessURL:   s.pricing.FrontendURL + "?secure_pay_success=1&listing_id=" + listingID + "&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:    s.pricing.FrontendURL + "?secure_pay_cancel=1",
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txn := &Transaction{
		ID:               idgen.WithPrefix("txn_"),
		ListingID:        listingID,
		BuyerID:          buyerID,
		SellerID:         lst.SellerID,
		Status:           StatusPending,
		AmountCents:      lst.PriceCents,
		FeeCents:         fee,
		TotalCents:       total,
		Currency:         s.pricing.Currency,
		GatewaySessionID: session.SessionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, txn); err != nil {
		// Nothing was authorized yet; the orphaned checkout session simply expires.
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.audit.Record(ctx, buyerID, "escrow.create", "transaction", txn.ID, listingID)

	return &CheckoutResult{
		Transaction: txn,
		CheckoutURL: session.CheckoutURL,
		SessionID:   session.SessionID,
	}, nil
}

// Activate moves the session's pending transaction to held after verifying
// the authorization with the gateway. Idempotent: replayed calls for an
// already-activated session return the existing transaction unchanged.
func (s *Service) Activate(ctx context.Context, sessionID, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Activate",
		traces.SessionID(sessionID), traces.UserID(callerID))
	defer span.End()

	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	if txn.BuyerID != callerID {
		return nil, ErrForbidden
	}

	// Replayed callback after activation: absorb as a no-op success
	if txn.Status != StatusPending {
		return txn, nil
	}

	state, err := s.gateway.VerifySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !state.Authorized {
		return nil, ErrPaymentNotAuthorized
	}

	pairMu := s.pairLock(txn.ListingID, txn.BuyerID)
	pairMu.Lock()
	defer pairMu.Unlock()

	if existing, err := s.store.ActiveByPair(ctx, txn.ListingID, txn.BuyerID); err == nil && existing != nil && existing.ID != txn.ID {
		return nil, ErrDuplicateActive
	} else if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	txn.Status = StatusHeld
	txn.PaymentRef = state.PaymentRef
	txn.HeldAt = &now
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, StatusPending); err != nil {
		if errors.Is(err, ErrInvalidState) {
			// Another instance won the race; return its result
			return s.store.GetBySession(ctx, sessionID)
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending), string(StatusHeld)).Inc()
	s.audit.Record(ctx, callerID, "escrow.activate", "transaction", txn.ID, sessionID)
	s.notifier.Notify(ctx, txn.SellerID, "escrow", "Payment secured",
		"A buyer has paid into escrow for your listing. Arrange the handoff.")

	return txn, nil
}

// ConfirmHandoff records the seller's attestation that the item changed
// hands. One-shot: a second call fails with ErrAlreadyConfirmed.
func (s *Service) ConfirmHandoff(ctx context.Context, id, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmHandoff",
		traces.TransactionID(id), traces.UserID(callerID))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.SellerID != callerID {
		return nil, ErrForbidden
	}
	if txn.Status != StatusHeld {
		return nil, ErrInvalidState
	}
	if txn.SellerConfirmedAt != nil {
		return nil, ErrAlreadyConfirmed
	}

	now := time.Now().UTC()
	txn.SellerConfirmedAt = &now
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, StatusHeld); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, callerID, "escrow.confirm_handoff", "transaction", txn.ID, "")
	s.notifier.Notify(ctx, txn.BuyerID, "escrow", "Handoff confirmed",
		"The seller confirmed the handoff. Confirm receipt to release payment.")

	return txn, nil
}

// ConfirmReceipt releases held funds to the seller. Requires the seller's
// prior handoff confirmation: the buyer cannot release funds before the
// seller attests to the handoff.
func (s *Service) ConfirmReceipt(ctx context.Context, id, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmReceipt",
		traces.TransactionID(id), traces.UserID(callerID))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != callerID {
		return nil, ErrForbidden
	}
	if txn.Status != StatusHeld {
		return nil, ErrInvalidState
	}
	if txn.SellerConfirmedAt == nil {
		return nil, ErrSellerNotConfirmed
	}

	if err := s.gateway.Capture(ctx, txn.PaymentRef); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txn.Status = StatusCaptured
	txn.CapturedAt = &now
	txn.BuyerConfirmedAt = &now
	txn.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, txn, StatusHeld); err != nil {
		return nil, err
	}

	s.recordSettlement(ctx, txn, StatusHeld)
	s.audit.Record(ctx, callerID, "escrow.confirm_receipt", "transaction", txn.ID, "")
	s.notifier.Notify(ctx, txn.SellerID, "escrow", "Payment released",
		"The buyer confirmed receipt. Funds have been released to you.")

	return txn, nil
}

// Dispute freezes or refunds a held transaction. Before the seller confirms
// handoff it is a no-fault cancellation: the authorization is cancelled and
// the buyer refunded in full. After confirmation it escalates to arbitration;
// a unilateral dispute must not auto-refund once the seller has attested to
// handing over the item.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute",
		traces.TransactionID(id), traces.UserID(callerID))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.Party(callerID) {
		return nil, ErrForbidden
	}
	if txn.Status != StatusHeld {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()

	if txn.SellerConfirmedAt == nil {
		// No-fault path: the handoff likely never happened
		if err := s.gateway.Cancel(ctx, txn.PaymentRef); err != nil {
			return nil, err
		}

		txn.Status = StatusRefunded
		txn.DisputeReason = reason
		txn.Resolution = resolutionAutoRefund
		txn.ResolvedAt = &now
		txn.UpdatedAt = now

		if err := s.persistAfterFundsMoved(ctx, txn, StatusHeld); err != nil {
			return nil, err
		}

		metrics.EscrowDisputesTotal.WithLabelValues("refunded").Inc()
		s.recordSettlement(ctx, txn, StatusHeld)
		s.audit.Record(ctx, callerID, "escrow.dispute", "transaction", txn.ID, "auto_refund")
		s.notifyBoth(ctx, txn, "Transaction cancelled",
			"The escrow transaction was cancelled and the buyer refunded in full.")
		return txn, nil
	}

	// Seller confirmed handoff: freeze for arbitration, never auto-refund
	txn.Status = StatusDisputed
	txn.DisputedAt = &now
	txn.DisputeReason = reason
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, StatusHeld); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld), string(StatusDisputed)).Inc()
	metrics.EscrowDisputesTotal.WithLabelValues("escalated").Inc()
	s.audit.Record(ctx, callerID, "escrow.dispute", "transaction", txn.ID, "escalated")
	s.notifyBoth(ctx, txn, "Dispute opened",
		"A dispute was opened. Funds are held until an administrator resolves it.")

	return txn, nil
}

// Resolve is the arbitration capability: it forces a disputed transaction to
// captured (release) or refunded (refund). Only legal while disputed. The
// caller is trusted to have passed the admin capability check.
func (s *Service) Resolve(ctx context.Context, id, arbiterID, decision string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve",
		traces.TransactionID(id), traces.UserID(arbiterID))
	defer span.End()

	if decision != ResolutionRelease && decision != ResolutionRefund {
		return nil, ErrInvalidDecision
	}

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()

	if decision == ResolutionRelease {
		if err := s.gateway.Capture(ctx, txn.PaymentRef); err != nil {
			return nil, err
		}
		txn.Status = StatusCaptured
		txn.CapturedAt = &now
	} else {
		if err := s.gateway.Cancel(ctx, txn.PaymentRef); err != nil {
			return nil, err
		}
		txn.Status = StatusRefunded
	}
	txn.Resolution = decision
	txn.ResolvedBy = arbiterID
	txn.ResolvedAt = &now
	txn.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, txn, StatusDisputed); err != nil {
		return nil, err
	}

	metrics.EscrowResolutionsTotal.WithLabelValues(decision).Inc()
	s.recordSettlement(ctx, txn, StatusDisputed)
	// Every arbitration outcome is audited with actor and decision
	s.audit.Record(ctx, arbiterID, "escrow.resolve", "transaction", txn.ID, decision)
	s.notifyBoth(ctx, txn, "Dispute resolved",
		"An administrator resolved the dispute: "+decision+".")

	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ActiveForListing returns the caller's active (held or disputed) transaction
// on the listing, as buyer or seller.
func (s *Service) ActiveForListing(ctx context.Context, listingID, userID string) (*Transaction, error) {
	return s.store.ActiveForListing(ctx, listingID, userID)
}

// ListByUser returns transactions involving the user, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// persistAfterFundsMoved writes a transition whose gateway call has already
// succeeded. The write is retried once; if it still fails the money and the
// record disagree and the failure is logged for manual resolution, since the
// gateway operation has no safe inverse here.
func (s *Service) persistAfterFundsMoved(ctx context.Context, txn *Transaction, from Status) error {
	if err := s.store.Update(ctx, txn, from); err != nil {
		if retryErr := s.store.Update(ctx, txn, from); retryErr != nil {
			s.logger.Error("CRITICAL: funds moved but transaction update failed",
				"transaction", txn.ID, "status", txn.Status, "error", retryErr)
			return fmt.Errorf("failed to update transaction after funds moved (requires manual resolution): %w", err)
		}
	}
	return nil
}

// recordSettlement emits the metrics and ledger side effects of reaching a
// terminal state. Side-effect failures never surface to the caller.
func (s *Service) recordSettlement(ctx context.Context, txn *Transaction, from Status) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(txn.Status)).Inc()
	if txn.HeldAt != nil {
		metrics.EscrowHeldDuration.Observe(time.Since(*txn.HeldAt).Seconds())
	}

	switch txn.Status {
	case StatusCaptured:
		if s.ledger != nil {
			s.ledger.MarkCompleted(ctx, txn.ListingID, txn.BuyerID)
		}
		if err := s.listings.MarkSold(ctx, txn.ListingID); err != nil && !errors.Is(err, listing.ErrListingNotFound) {
			s.logger.Error("mark sold failed", "listing", txn.ListingID, "error", err)
		}
	case StatusRefunded:
		if s.ledger != nil {
			s.ledger.MarkCancelled(ctx, txn.ListingID, txn.BuyerID)
		}
	}
}

func (s *Service) notifyBoth(ctx context.Context, txn *Transaction, title, message string) {
	s.notifier.Notify(ctx, txn.BuyerID, "escrow", title, message)
	s.notifier.Notify(ctx, txn.SellerID, "escrow", title, message)
}
