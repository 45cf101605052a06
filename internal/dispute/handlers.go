package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up dispute routes for authenticated parties.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/engagements/:id/disputes", h.Open)
	r.GET("/disputes/:id", h.Get)
}

// RegisterAdminRoutes sets up routes that need the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", auth.RequireRole(auth.RoleAdmin), h.Resolve)
}

type openRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	Outcome Outcome `json:"outcome"`
}

// Open handles POST /v1/engagements/:id/disputes
func (h *Handler) Open(c *gin.Context) {
	caller := auth.UserID(c)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	result, err := h.service.Open(c.Request.Context(), c.Param("id"), caller, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), id.UserID, id.HasRole(auth.RoleAdmin))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	result, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, auth.UserID(c))
	if errors.Is(err, escrow.ErrPayoutFailed) && result != nil {
		c.JSON(http.StatusAccepted, gin.H{"dispute": result.Dispute, "intent": result.Intent, "payout": "pending_reconciliation"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"

	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	case errors.Is(err, ErrForbidden):
		status, code, message = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrDisputeNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Dispute not found"
	case errors.Is(err, escrow.ErrEngagementNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Engagement not found"
	case errors.Is(err, escrow.ErrIntentNotFound):
		status, code, message = http.StatusConflict, "no_escrow", "Engagement has no live escrow"
	case errors.Is(err, ErrDisputeAlreadyOpen), errors.Is(err, ErrDisputeNotOpen):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrConcurrentModification):
		status, code, message = http.StatusConflict, "invalid_state", "Escrow does not allow this in its current state"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
