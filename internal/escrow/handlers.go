package escrow

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/provider"
	"github.com/mbd888/gigescrow/internal/validation"
)

// maxCallbackBody bounds how much of a provider notification is read.
const maxCallbackBody = 64 << 10

// HandlerConfig carries the deployment values the handlers need.
type HandlerConfig struct {
	CronSecret       string
	ReturnSuccessURL string
	ReturnFailureURL string
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
	cfg    HandlerConfig
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine, cfg HandlerConfig) *Handler {
	return &Handler{engine: engine, cfg: cfg}
}

// RegisterProtectedRoutes sets up escrow routes for authenticated parties.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/initialize", h.Initialize)
	r.GET("/escrow/:reference", h.GetIntent)
	r.POST("/escrow/:reference/complete", h.RequestCompletion)
	r.POST("/escrow/:reference/approve", h.Approve)
	r.GET("/engagements/:id/escrows", h.ListByEngagement)
}

// RegisterCallbackRoutes sets up provider-facing routes. They carry no
// caller identity; the unguessable reference is the only credential.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:provider/webhook", h.Webhook)
	r.POST("/payments/:provider/webhook", h.Webhook)
	r.GET("/payments/:provider/return", h.Return)
	r.POST("/payments/:provider/return", h.Return)
}

// RegisterCronRoutes sets up the external auto-release trigger.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.GET("/cron/auto-release", h.requireCronSecret, h.EligibleCount)
	r.POST("/cron/auto-release", h.requireCronSecret, h.RunSweep)
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
	case errors.Is(err, ErrIntentNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Payment intent not found"
	case errors.Is(err, ErrEngagementNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Engagement not found"
	case errors.Is(err, ErrActiveIntent):
		status, code, message = http.StatusConflict, "active_intent", err.Error()
	case errors.Is(err, ErrDisputeOpen):
		status, code, message = http.StatusConflict, "dispute_open", err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicateReference):
		status, code, message = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, provider.ErrUnknownProvider):
		status, code, message = http.StatusBadRequest, "unknown_provider", err.Error()
	case errors.Is(err, provider.ErrProviderRejected), errors.Is(err, provider.ErrProviderUnavailable):
		code, message = "provider_error", "Payment could not be started, please try again"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

func callerID(c *gin.Context) (string, bool) {
	id := auth.UserID(c)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return "", false
	}
	return id, true
}

// Initialize handles POST /v1/escrow/initialize
func (h *Handler) Initialize(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}

	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.engine.Initialize(c.Request.Context(), caller, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetIntent handles GET /v1/escrow/:reference
func (h *Handler) GetIntent(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	intent, err := h.engine.Get(c.Request.Context(), c.Param("reference"), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// ListByEngagement handles GET /v1/engagements/:id/escrows
func (h *Handler) ListByEngagement(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	intents, err := h.engine.ListByEngagement(c.Request.Context(), c.Param("id"), caller, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intents": intents,
		"count":   len(intents),
	})
}

// RequestCompletion handles POST /v1/escrow/:reference/complete
func (h *Handler) RequestCompletion(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	intent, err := h.engine.RequestCompletion(c.Request.Context(), c.Param("reference"), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// Approve handles POST /v1/escrow/:reference/approve
func (h *Handler) Approve(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	intent, err := h.engine.Approve(c.Request.Context(), c.Param("reference"), caller)
	if errors.Is(err, ErrPayoutFailed) && intent != nil {
		// Released is committed; the payout is reconciled by an operator.
		c.JSON(http.StatusAccepted, gin.H{"intent": intent, "payout": "pending_reconciliation"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

func readCallback(c *gin.Context) (provider.RawCallback, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		return provider.RawCallback{}, err
	}
	return provider.RawCallback{
		Body:        body,
		ContentType: c.GetHeader("Content-Type"),
		Query:       c.Request.URL.Query(),
	}, nil
}

// Webhook handles GET|POST /v1/payments/:provider/webhook. Once the
// notification is read the provider is always told it was received, so it
// stops redelivering; outcomes are in logs and metrics.
func (h *Handler) Webhook(c *gin.Context) {
	name := c.Param("provider")
	if _, err := h.engine.Providers().Get(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider", "message": err.Error()})
		return
	}
	raw, err := readCallback(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	// Errors are logged by the engine.
	_, _ = h.engine.IngestCallback(c.Request.Context(), name, raw)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Return handles GET|POST /v1/payments/:provider/return, the browser leg of
// a provider redirect. The payer is sent on with 303 See Other to the
// success or failure page, carrying every parameter the provider sent.
func (h *Handler) Return(c *gin.Context) {
	name := c.Param("provider")
	raw, err := readCallback(c)
	if err != nil {
		c.Redirect(http.StatusSeeOther, h.cfg.ReturnFailureURL)
		return
	}

	target := h.cfg.ReturnFailureURL
	if _, err := h.engine.Providers().Get(name); err == nil {
		result, err := h.engine.IngestCallback(c.Request.Context(), name, raw)
		if err == nil && result.Succeeded() {
			target = h.cfg.ReturnSuccessURL
		}
	}
	c.Redirect(http.StatusSeeOther, forward(target, provider.Params(raw)))
}

// forward appends params to target's query, keeping any it already has.
func forward(target string, params map[string]string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		if _, taken := q[k]; !taken {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// requireCronSecret fails closed: no configured secret means nobody may run it.
func (h *Handler) requireCronSecret(c *gin.Context) {
	if h.cfg.CronSecret == "" {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "cron_not_configured",
			"message": "Auto-release trigger is not configured",
		})
		return
	}
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cfg.CronSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid cron credential",
		})
		return
	}
	c.Next()
}

// EligibleCount handles GET /v1/cron/auto-release
func (h *Handler) EligibleCount(c *gin.Context) {
	n, err := h.engine.EligibleCount(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligible": n})
}

// RunSweep handles POST /v1/cron/auto-release
func (h *Handler) RunSweep(c *gin.Context) {
	result, err := h.engine.Sweep(c.Request.Context(), "http")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
