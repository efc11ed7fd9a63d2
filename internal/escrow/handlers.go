package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campusmarket/securepay/internal/gateway"
	"github.com/campusmarket/securepay/internal/listing"
	"github.com/campusmarket/securepay/internal/validation"
)

// Handler provides HTTP endpoints for Secure-Pay operations.
type Handler struct {
	service   *Service
	reasonMax int
}

// NewHandler creates a new Secure-Pay handler. reasonMax bounds the dispute
// reason length.
func NewHandler(service *Service, reasonMax int) *Handler {
	if reasonMax <= 0 {
		reasonMax = 500
	}
	return &Handler{service: service, reasonMax: reasonMax}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/secure-pay/:id", h.GetTransaction)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/secure-pay/checkout", h.StartCheckout)
	r.POST("/secure-pay/activate", h.Activate)
	r.GET("/secure-pay", h.ListTransactions)
	r.GET("/secure-pay/listing/:listingID", h.ActiveForListing)
	r.POST("/secure-pay/:id/confirm-handoff", h.ConfirmHandoff)
	r.POST("/secure-pay/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/secure-pay/:id/dispute", h.Dispute)
}

// RegisterAdminRoutes sets up arbitration routes. The group must carry the
// admin capability middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/secure-pay/:id/resolve", h.Resolve)
}

// CheckoutRequest is the body for POST /v1/secure-pay/checkout.
type CheckoutRequest struct {
	ListingID string `json:"listingId" binding:"required"`
}

// ActivateRequest is the body for POST /v1/secure-pay/activate.
type ActivateRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// DisputeRequest is the body for POST /v1/secure-pay/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body for POST /v1/admin/secure-pay/:id/resolve.
type ResolveRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// respondErr maps engine errors onto HTTP status codes and the shared error
// body shape.
func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, listing.ErrListingNotFound),
		errors.Is(err, ErrUnknownSession),
		errors.Is(err, gateway.ErrUnknownSession):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidActor):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyConfirmed),
		errors.Is(err, ErrDuplicateActive),
		errors.Is(err, ErrSellerNotConfirmed),
		errors.Is(err, ErrListingUnavailable):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrPriceTooLow):
		status = http.StatusUnprocessableEntity
		code = "price_too_low"
	case errors.Is(err, ErrPaymentNotAuthorized):
		status = http.StatusPaymentRequired
		code = "payment_not_authorized"
	case errors.Is(err, ErrInvalidDecision):
		status = http.StatusBadRequest
		code = "invalid_decision"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// StartCheckout handles POST /v1/secure-pay/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listingId is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("listingId", req.ListingID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	buyerID := c.GetString("authUserID") // Set by auth middleware
	result, err := h.service.Create(c.Request.Context(), buyerID, req.ListingID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// Activate handles POST /v1/secure-pay/activate
func (h *Handler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sessionId is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidSessionID("sessionId", req.SessionID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerID := c.GetString("authUserID")
	txn, err := h.service.Activate(c.Request.Context(), req.SessionID, callerID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/secure-pay/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id := c.Param("id")

	txn, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/secure-pay
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.GetString("authUserID")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ActiveForListing handles GET /v1/secure-pay/listing/:listingID
func (h *Handler) ActiveForListing(c *gin.Context) {
	listingID := c.Param("listingID")
	userID := c.GetString("authUserID")

	txn, err := h.service.ActiveForListing(c.Request.Context(), listingID, userID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// No active transaction is an expected answer, not an error
			c.JSON(http.StatusOK, gin.H{"transaction": nil})
			return
		}
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": txn,
		"isBuyer":     txn.BuyerID == userID,
		"isSeller":    txn.SellerID == userID,
	})
}

// ConfirmHandoff handles POST /v1/secure-pay/:id/confirm-handoff
func (h *Handler) ConfirmHandoff(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	txn, err := h.service.ConfirmHandoff(c.Request.Context(), id, callerID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmReceipt handles POST /v1/secure-pay/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	txn, err := h.service.ConfirmReceipt(c.Request.Context(), id, callerID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Dispute handles POST /v1/secure-pay/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	var req DisputeRequest
	// Body is optional; an empty reason is allowed
	_ = c.ShouldBindJSON(&req)

	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, h.reasonMax),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Dispute(c.Request.Context(), id, callerID, validation.SanitizeString(req.Reason, h.reasonMax))
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Resolve handles POST /v1/admin/secure-pay/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	id := c.Param("id")
	arbiterID := c.GetString("authUserID")
	if arbiterID == "" {
		arbiterID = "admin"
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required (release or refund)",
		})
		return
	}

	txn, err := h.service.Resolve(c.Request.Context(), id, arbiterID, req.Decision)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}
