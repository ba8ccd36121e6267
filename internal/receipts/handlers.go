package receipts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/upiramp/internal/pagination"
	"github.com/mbd888/upiramp/internal/validation"
)

// Handler provides HTTP endpoints for receipt operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts/:id", h.GetReceipt)
	r.GET("/requests/:id/receipts", h.ListByRequest)
	r.GET("/users/:address/receipts", validation.AddressParamMiddleware(), h.ListByAddress)
	r.POST("/receipts/verify", h.VerifyReceipt)
}

// GetReceipt handles GET /v1/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Receipt not found",
			})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load receipt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListByRequest handles GET /v1/requests/:id/receipts
func (h *Handler) ListByRequest(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Request id must be a positive integer"})
		return
	}
	receipts, err := h.service.ListByRequest(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list receipts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": nonNil(receipts), "count": len(receipts)})
}

// ListByAddress handles GET /v1/users/:address/receipts
func (h *Handler) ListByAddress(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}
	receipts, err := h.service.ListByAddress(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list receipts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": nonNil(receipts), "count": len(receipts)})
}

// VerifyReceipt handles POST /v1/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "receiptId is required",
		})
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), req.ReceiptID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to verify receipt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": resp})
}

func nonNil(rs []*Receipt) []*Receipt {
	if rs == nil {
		return []*Receipt{}
	}
	return rs
}
