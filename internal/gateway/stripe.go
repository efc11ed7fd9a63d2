package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/campusmarket/securepay/internal/circuitbreaker"
	"github.com/campusmarket/securepay/internal/metrics"
	"github.com/campusmarket/securepay/internal/retry"
)

// Stripe implements Gateway on top of Stripe Checkout with manual capture.
// Calls are guarded by a circuit breaker: a provider outage trips the
// circuit and later calls fail fast with ErrGatewayUnavailable instead of
// piling up on timeouts.
type Stripe struct {
	sc      *client.API
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewStripe creates a Stripe-backed gateway. Every provider call is bounded
// by timeout regardless of the caller's context.
func NewStripe(apiKey string, timeout time.Duration, logger *slog.Logger) *Stripe {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Stripe{
		sc:      sc,
		timeout: timeout,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// observe feeds the call outcome to the breaker. Only provider-unavailable
// errors count as failures; a declined card is a healthy provider saying no.
func (s *Stripe) observe(err error) {
	if err == nil || !errors.Is(err, ErrGatewayUnavailable) {
		s.breaker.RecordSuccess()
		return
	}
	s.breaker.RecordFailure()
}

func (s *Stripe) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if !s.breaker.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues("checkout", "rejected").Inc()
		return nil, ErrGatewayUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := checkoutParams(req)
	params.Context = ctx

	sess, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		err = mapStripeErr(err)
		s.observe(err)
		metrics.GatewayCallsTotal.WithLabelValues("checkout", "error").Inc()
		s.logger.Error("checkout session creation failed", "listing", req.ListingID, "error", err)
		return nil, err
	}
	s.observe(nil)
	metrics.GatewayCallsTotal.WithLabelValues("checkout", "ok").Inc()

	return &CheckoutSession{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// VerifySession is a read, so transient provider failures are retried with
// backoff before giving up.
func (s *Stripe) VerifySession(ctx context.Context, sessionID string) (*SessionState, error) {
	if !s.breaker.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues("verify", "rejected").Inc()
		return nil, ErrGatewayUnavailable
	}

	var state *SessionState
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		params := &stripe.CheckoutSessionParams{
			Expand: []*string{stripe.String("payment_intent")},
		}
		params.Context = callCtx

		sess, err := s.sc.CheckoutSessions.Get(sessionID, params)
		if err != nil {
			err = mapStripeErr(err)
			if !errors.Is(err, ErrGatewayUnavailable) {
				return retry.Permanent(err)
			}
			return err
		}

		state = &SessionState{
			SessionID: sess.ID,
			Metadata:  sess.Metadata,
		}
		if pi := sess.PaymentIntent; pi != nil {
			state.PaymentRef = pi.ID
			state.Authorized = pi.Status == stripe.PaymentIntentStatusRequiresCapture
		}
		return nil
	})
	s.observe(err)
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("verify", "error").Inc()
		return nil, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("verify", "ok").Inc()
	return state, nil
}

func (s *Stripe) Capture(ctx context.Context, paymentRef string) error {
	if !s.breaker.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues("capture", "rejected").Inc()
		return ErrGatewayUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	if _, err := s.sc.PaymentIntents.Capture(paymentRef, params); err != nil {
		err = mapStripeErr(err)
		s.observe(err)
		metrics.GatewayCallsTotal.WithLabelValues("capture", "error").Inc()
		s.logger.Error("payment capture failed", "payment_ref", paymentRef, "error", err)
		return err
	}
	s.observe(nil)
	metrics.GatewayCallsTotal.WithLabelValues("capture", "ok").Inc()
	return nil
}

func (s *Stripe) Cancel(ctx context.Context, paymentRef string) error {
	if !s.breaker.Allow() {
		metrics.GatewayCallsTotal.WithLabelValues("cancel", "rejected").Inc()
		return ErrGatewayUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := s.sc.PaymentIntents.Cancel(paymentRef, params); err != nil {
		err = mapStripeErr(err)
		s.observe(err)
		metrics.GatewayCallsTotal.WithLabelValues("cancel", "error").Inc()
		s.logger.Error("payment cancellation failed", "payment_ref", paymentRef, "error", err)
		return err
	}
	s.observe(nil)
	metrics.GatewayCallsTotal.WithLabelValues("cancel", "ok").Inc()
	return nil
}

// checkoutParams builds the manual-capture checkout parameters. The line item
// carries the full charge (item price plus service fee) as a single amount.
func checkoutParams(req CheckoutRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.ListingTitle),
					Description: stripe.String(fmt.Sprintf(
						"Secure-Pay escrow (includes service fee of $%d.%02d)",
						req.FeeCents/100, req.FeeCents%100)),
				},
				UnitAmount: stripe.Int64(req.TotalCents),
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String("manual"),
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.AddMetadata("listing_id", req.ListingID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("seller_id", req.SellerID)
	return params
}

// mapStripeErr translates provider errors into the package sentinels.
// Client errors other than missing resources pass through unchanged so
// callers can surface the provider's message.
func mapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound {
			return ErrUnknownSession
		}
		if se.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s", ErrGatewayUnavailable, se.Msg)
		}
		return err
	}
	// Transport-level failure (timeout, DNS, connection refused)
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

var _ Gateway = (*Stripe)(nil)
