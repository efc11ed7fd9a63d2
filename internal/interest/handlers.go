package interest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/campusmarket/securepay/internal/validation"
)

// Handler provides HTTP endpoints for the interest ledger.
type Handler struct {
	service  *Service
	listings ListingCounter
}

// NewHandler creates a new interest handler.
func NewHandler(service *Service, listings ListingCounter) *Handler {
	return &Handler{service: service, listings: listings}
}

// RegisterProtectedRoutes sets up auth-required interest routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/interests", h.ExpressInterest)
	r.GET("/interests", h.ListInterests)
	r.GET("/interests/:id", h.GetInterest)
	r.PATCH("/interests/:id", h.UpdateStatus)
	r.DELETE("/interests/:id", h.Withdraw)
	r.GET("/users/:id/stats", h.UserStats)
}

// ExpressRequest is the body for POST /v1/interests.
type ExpressRequest struct {
	ListingID string `json:"listingId" binding:"required"`
	// Strict makes an existing record an error instead of returning it.
	Strict bool `json:"strict"`
}

// UpdateRequest is the body for PATCH /v1/interests/:id.
type UpdateRequest struct {
	Status Status `json:"status" binding:"required"`
}

// ExpressInterest handles POST /v1/interests
func (h *Handler) ExpressInterest(c *gin.Context) {
	var req ExpressRequest
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
	rec, err := h.service.ExpressInterest(c.Request.Context(), buyerID, req.ListingID, req.Strict)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidActor):
			status = http.StatusForbidden
			code = "invalid_actor"
		case errors.Is(err, ErrAlreadyInterested):
			status = http.StatusConflict
			code = "already_interested"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"interest": rec})
}

// ListInterests handles GET /v1/interests?role=buyer|seller
func (h *Handler) ListInterests(c *gin.Context) {
	userID := c.GetString("authUserID")
	asBuyer := c.DefaultQuery("role", "buyer") != "seller"

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	records, err := h.service.ListByUser(c.Request.Context(), userID, asBuyer, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"interests": records,
		"count":     len(records),
	})
}

// GetInterest handles GET /v1/interests/:id
func (h *Handler) GetInterest(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("authUserID")

	rec, err := h.service.Get(c.Request.Context(), id, userID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrForbidden):
			status = http.StatusForbidden
			code = "forbidden"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"interest": rec})
}

// UpdateStatus handles PATCH /v1/interests/:id
func (h *Handler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("authUserID")

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required (agreed, completed, or cancelled)",
		})
		return
	}

	rec, err := h.service.UpdateStatus(c.Request.Context(), id, userID, req.Status)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrForbidden):
			status = http.StatusForbidden
			code = "forbidden"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_transition"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"interest": rec})
}

// Withdraw handles DELETE /v1/interests/:id
func (h *Handler) Withdraw(c *gin.Context) {
	id := c.Param("id")
	userID := c.GetString("authUserID")

	if err := h.service.Withdraw(c.Request.Context(), id, userID); err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrForbidden):
			status = http.StatusForbidden
			code = "forbidden"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_transition"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawn": true})
}

// UserStats handles GET /v1/users/:id/stats
func (h *Handler) UserStats(c *gin.Context) {
	userID := c.Param("id")

	stats, err := h.service.Stats(c.Request.Context(), userID, h.listings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
