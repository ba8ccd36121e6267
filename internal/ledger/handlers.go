package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/units"
	"github.com/mbd888/upiramp/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/ledger/:address", validation.AddressParamMiddleware())
	g.GET("/balances", h.GetBalances)
	g.GET("/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/deposits", h.RecordDeposit)
}

// GetBalances handles GET /ledger/:address/balances
func (h *Handler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balances",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetHistory handles GET /ledger/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DepositRequest records an on-chain deposit (admin use).
type DepositRequest struct {
	Address string `json:"address" binding:"required"`
	Asset   string `json:"asset" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	TxHash  string `json:"txHash" binding:"required"`
}

// RecordDeposit handles POST /admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	asset, err := h.ledger.ParseAsset(req.Asset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_asset", "message": err.Error()})
		return
	}
	amount, ok := units.Parse(req.Amount, asset.Decimals())
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}

	err = h.ledger.Deposit(c.Request.Context(), asset, req.Address, amount, req.TxHash)
	if errors.Is(err, ErrDuplicateDeposit) {
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_deposit", "message": "Deposit already recorded"})
		return
	}
	if err != nil {
		h.logger.Error("deposit failed", "address", req.Address, "txHash", req.TxHash, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed", "message": "Failed to record deposit"})
		return
	}

	h.logger.Info("deposit recorded", "address", req.Address, "asset", asset, "amount", req.Amount, "txHash", req.TxHash)
	c.JSON(http.StatusCreated, gin.H{
		"address": req.Address,
		"asset":   asset,
		"amount":  units.Format(amount, asset.Decimals()),
		"txHash":  req.TxHash,
	})
}
