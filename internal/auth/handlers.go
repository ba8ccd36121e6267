package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/metrics"
	"github.com/mbd888/upiramp/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public issuance route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.POST("/auth/keys", h.IssueKey)
}

// RegisterProtectedRoutes sets up routes that manage the caller's keys.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:id", h.RevokeKey)
}

// Info describes how to obtain and present a key.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"challenge": "personal_sign(\"upiramp:key:<lowercase address>:<unix seconds>\")",
		"validity":  ChallengeValidity.String(),
	})
}

// IssueKeyRequest is the body of POST /v1/auth/keys.
type IssueKeyRequest struct {
	Address   string `json:"address" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Name      string `json:"name"`
}

// IssueKey handles POST /v1/auth/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, timestamp and signature are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidHex("signature", req.Signature),
		validation.MaxLength("name", req.Name, MaxKeyNameLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rawKey, key, err := h.manager.IssueKey(c.Request.Context(), req.Address, req.Name, req.Timestamp, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		case errors.Is(err, ErrStaleChallenge):
			metrics.AuthFailuresTotal.WithLabelValues("stale_challenge").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "stale_challenge", "message": err.Error()})
		case errors.Is(err, ErrInvalidSignature):
			metrics.AuthFailuresTotal.WithLabelValues("bad_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue API key"})
		}
		return
	}
	metrics.APIKeysIssuedTotal.Inc()

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"address": key.Address,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns the caller's keys without their hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}

	type view struct {
		ID        string     `json:"id"`
		Name      string     `json:"name"`
		CreatedAt time.Time  `json:"createdAt"`
		LastUsed  *time.Time `json:"lastUsed,omitempty"`
		Revoked   bool       `json:"revoked"`
	}
	out := make([]view, len(keys))
	for i, k := range keys {
		out[i] = view{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsed: k.LastUsed, Revoked: k.Revoked}
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "count": len(out)})
}

// RevokeKey handles DELETE /v1/auth/keys/:id
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("id")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
