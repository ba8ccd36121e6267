package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/auth"
	"github.com/mbd888/upiramp/internal/pagination"
	"github.com/mbd888/upiramp/internal/units"
	"github.com/mbd888/upiramp/internal/validation"
)

// Handler provides HTTP endpoints for payment requests.
type Handler struct {
	service *Service
	symbol  string
}

// NewHandler creates a new request handler. symbol labels the settlement asset.
func NewHandler(service *Service, symbol string) *Handler {
	return &Handler{service: service, symbol: symbol}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/engine", h.GetEngine)
	r.GET("/requests/available", h.ListAvailable)
	r.GET("/requests/committed", h.ListCommitted)
	r.GET("/requests/:id", h.GetRequest)
	r.GET("/requests/:id/timing", h.GetTiming)

	addr := validation.AddressParamMiddleware()
	r.GET("/users/:address/requests", addr, h.ListUserRequests)
	r.GET("/payers/:address/requests", addr, h.ListPayerRequests)
}

// RegisterProtectedRoutes sets up routes that act as the authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.POST("/requests/:id/commit", h.CommitRequest)
	r.POST("/requests/:id/fulfill", h.FulfillRequest)
	r.POST("/requests/:id/cancel", h.CancelRequest)
	r.POST("/requests/:id/expire", h.ExpireRequest)
}

// RequestView is the wire form of a PaymentRequest.
type RequestView struct {
	ID               uint64     `json:"id"`
	Requester        string     `json:"requester"`
	Payer            string     `json:"payer,omitempty"`
	FiatAmount       uint64     `json:"fiatAmount"`
	SettlementAmount string     `json:"settlementAmount"`
	PayerFee         string     `json:"payerFee"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	CommittedAt      *time.Time `json:"committedAt,omitempty"`
	CommitmentExpiry *time.Time `json:"commitmentExpiry,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	ProofToken       string     `json:"proofToken,omitempty"`
}

// NewRequestView formats amounts as decimal strings.
func NewRequestView(r *PaymentRequest) RequestView {
	v := RequestView{
		ID:               r.ID,
		Requester:        r.Requester,
		Payer:            r.Payer,
		FiatAmount:       r.FiatAmount,
		SettlementAmount: units.FormatSettlement(r.SettlementAmount),
		PayerFee:         units.FormatNative(r.PayerFee),
		Status:           r.Status,
		CreatedAt:        r.CreatedAt,
		CommittedAt:      r.CommittedAt,
		ExpiresAt:        r.ExpiresAt,
		ProofToken:       r.ProofToken,
	}
	if r.CommittedAt != nil {
		until := r.CommitmentExpiry()
		v.CommitmentExpiry = &until
	}
	return v
}

func views(rs []*PaymentRequest) []RequestView {
	out := make([]RequestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewRequestView(r))
	}
	return out
}

// writeList returns rs whole, or one page of it when the caller passes
// limit or cursor.
func writeList(c *gin.Context, rs []*PaymentRequest) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}
	cursor := c.Query("cursor")
	after, err := pagination.Decode(cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_pagination", "message": err.Error()})
		return
	}
	if limit == 0 && cursor == "" {
		c.JSON(http.StatusOK, gin.H{"requests": views(rs), "count": len(rs)})
		return
	}
	if limit == 0 {
		limit = pagination.DefaultLimit
	}

	page, next := pagination.Page(rs, after, limit, func(r *PaymentRequest) uint64 { return r.ID })
	resp := gin.H{"requests": views(page), "count": len(page), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CreateRequestBody is the body of POST /v1/requests.
type CreateRequestBody struct {
	FiatAmount       uint64 `json:"fiatAmount"`
	SettlementAmount string `json:"settlementAmount" binding:"required"`
	FeePayment       string `json:"feePayment" binding:"required"`
}

// FulfillRequestBody is the body of POST /v1/requests/:id/fulfill.
type FulfillRequestBody struct {
	ProofToken string `json:"proofToken" binding:"required"`
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("settlementAmount", req.SettlementAmount, units.SettlementDecimals),
		validation.NonNegativeAmount("feePayment", req.FeePayment, units.NativeDecimals),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	settlement, _ := units.ParseSettlement(req.SettlementAmount)
	fee, _ := units.ParseNative(req.FeePayment)

	r, err := h.service.Create(c.Request.Context(), auth.Caller(c), req.FiatAmount, settlement, fee)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": NewRequestView(r)})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": NewRequestView(r)})
}

// GetTiming handles GET /v1/requests/:id/timing
func (h *Handler) GetTiming(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := h.service.RequestTiming(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListAvailable handles GET /v1/requests/available
func (h *Handler) ListAvailable(c *gin.Context) {
	rs, err := h.service.AvailableRequests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeList(c, rs)
}

// ListCommitted handles GET /v1/requests/committed
func (h *Handler) ListCommitted(c *gin.Context) {
	rs, err := h.service.CommittedRequests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeList(c, rs)
}

// ListUserRequests handles GET /v1/users/:address/requests
func (h *Handler) ListUserRequests(c *gin.Context) {
	rs, err := h.service.UserRequests(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeList(c, rs)
}

// ListPayerRequests handles GET /v1/payers/:address/requests
func (h *Handler) ListPayerRequests(c *gin.Context) {
	rs, err := h.service.PayerCommittedRequests(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeList(c, rs)
}

// GetEngine handles GET /v1/engine
func (h *Handler) GetEngine(c *gin.Context) {
	ctx := c.Request.Context()
	next, err := h.service.NextRequestID(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	total, err := h.service.TotalRequests(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"platformFee":      units.FormatNative(h.service.PlatformFeeAmount()),
		"feeRecipient":     h.service.FeeRecipient(),
		"custodyAddress":   h.service.CustodyAddress(),
		"settlementAsset":  h.symbol,
		"nextRequestId":    next,
		"totalRequests":    total,
		"requestLifetime":  RequestLifetime.String(),
		"commitmentWindow": CommitmentWindow.String(),
	})
}

// CommitRequest handles POST /v1/requests/:id/commit
func (h *Handler) CommitRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Commit(c.Request.Context(), auth.Caller(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": NewRequestView(r)})
}

// FulfillRequest handles POST /v1/requests/:id/fulfill
func (h *Handler) FulfillRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req FulfillRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "proofToken is required",
		})
		return
	}
	r, err := h.service.Fulfill(c.Request.Context(), auth.Caller(c), id, req.ProofToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": NewRequestView(r)})
}

// CancelRequest handles POST /v1/requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Cancel(c.Request.Context(), auth.Caller(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": NewRequestView(r)})
}

// ExpireRequest handles POST /v1/requests/:id/expire
func (h *Handler) ExpireRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Expire(c.Request.Context(), auth.Caller(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": NewRequestView(r)})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "request id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindTransfer:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	var e *Error
	if errors.As(err, &e) {
		c.JSON(StatusFor(err), gin.H{"error": e.Code, "message": e.Error()})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal error",
	})
}
