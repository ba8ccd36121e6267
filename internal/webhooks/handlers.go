package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/upiramp/internal/auth"
	"github.com/mbd888/upiramp/internal/idgen"
	"github.com/mbd888/upiramp/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	now        func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, now: time.Now}
}

// RegisterProtectedRoutes sets up routes managing the caller's webhooks.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest is the body of POST /v1/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner := auth.Caller(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if errs := validation.Validate(validation.MaxLength("url", req.URL, MaxURLLength)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}
	events, err := ParseEvents(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByOwner(ctx, owner)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create webhook"})
		return
	}
	if len(existing) >= MaxPerOwner {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_exceeded", "message": ErrLimitExceeded.Error()})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    HeaderSignature,
		},
		"warning": "Store this secret securely. It will not be shown again.",
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), auth.Caller(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"), auth.Caller(c))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook_not_found", "message": "Webhook not found"})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to delete webhook"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
