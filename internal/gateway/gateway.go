// Package gateway abstracts the card payment provider behind a small
// interface so the escrow engine never talks to Stripe directly.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrGatewayUnavailable indicates the provider could not be reached or
	// returned a server-side failure.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrUnknownSession indicates the checkout session does not exist at the provider.
	ErrUnknownSession = errors.New("unknown checkout session")
)

// CheckoutRequest describes a manual-capture checkout for a single listing.
type CheckoutRequest struct {
	ListingID    string
	ListingTitle string
	BuyerID      string
	SellerID     string
	ItemCents    int64
	FeeCents     int64
	TotalCents   int64
	Currency     string
	SuccessURL   string
	CancelURL    string
}

// CheckoutSession is the provider-hosted page the buyer is redirected to.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

// SessionState is the provider's view of a checkout session after the buyer
// has (or has not) completed it.
type SessionState struct {
	SessionID  string
	PaymentRef string // provider payment intent ID; empty until the buyer submits
	Authorized bool   // true when funds are authorized and awaiting manual capture
	Metadata   map[string]string
}

// Gateway is the payment provider surface used by the escrow engine.
// All funds movement goes through these four calls.
type Gateway interface {
	// StartCheckout creates a manual-capture checkout session and returns
	// the hosted URL to redirect the buyer to.
	StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// VerifySession fetches the session and its payment intent state.
	// Returns ErrUnknownSession if the provider has no such session.
	VerifySession(ctx context.Context, sessionID string) (*SessionState, error)

	// Capture settles previously authorized funds.
	Capture(ctx context.Context, paymentRef string) error

	// Cancel releases an uncaptured authorization back to the buyer.
	Cancel(ctx context.Context, paymentRef string) error
}
