package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/security"
)

// MaxSubscriptionsPerUser bounds how many webhooks one user can register.
const MaxSubscriptionsPerUser = 20

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store SubscriptionStore
}

// NewHandler creates a new subscription handler.
func NewHandler(store SubscriptionStore) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up webhook routes. The group must require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL   string   `json:"url" binding:"required"`
	Kinds []string `json:"kinds" binding:"required"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner := auth.UserID(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.CheckURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	kinds := make([]Kind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		if !ValidKind(Kind(k)) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_kind",
				"message": "Unknown event kind: " + k,
			})
			return
		}
		kinds = append(kinds, Kind(k))
	}
	if len(kinds) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "At least one event kind is required",
		})
		return
	}

	existing, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxSubscriptionsPerUser {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Webhook limit reached",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_", 12),
		OwnerID:   owner,
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil || sub.OwnerID != auth.UserID(c) {
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "delete_failed",
				"message": "Failed to delete webhook",
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
