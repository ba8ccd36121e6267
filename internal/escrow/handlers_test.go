package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/auth"
	"github.com/mbd888/upiramp/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	handler := NewHandler(h.svc, "USDC")

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// X-Caller stands in for the API key middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller"); addr != "" {
			c.Set(auth.ContextKeyAddress, addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, h
}

func do(router *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller", caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type requestResponse struct {
	Request RequestView `json:"request"`
}

type listResponse struct {
	Requests []RequestView `json:"requests"`
	Count    int           `json:"count"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func createBody() CreateRequestBody {
	return CreateRequestBody{FiatAmount: 1000, SettlementAmount: "100", FeePayment: "0.1"}
}

func TestHandler_CreateAndGet(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "POST", "/v1/requests", requester, createBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, uint64(1), created.Request.ID)
	assert.Equal(t, StatusPending, created.Request.Status)
	assert.Equal(t, "100.000000", created.Request.SettlementAmount)
	assert.Equal(t, "0.099000000000000000", created.Request.PayerFee)
	assert.Equal(t, requester, created.Request.Requester)

	w = do(router, "GET", "/v1/requests/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.Request.ID, got.Request.ID)
	assert.Nil(t, got.Request.CommitmentExpiry)
}

func TestHandler_ListPagination(t *testing.T) {
	router, _ := setupTestRouter(t)
	for range 3 {
		require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)
	}

	var all listResponse
	w := do(router, "GET", "/v1/users/"+requester+"/requests", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Count)
	assert.NotContains(t, w.Body.String(), "nextCursor")

	type pageResponse struct {
		listResponse
		HasMore    bool   `json:"hasMore"`
		NextCursor string `json:"nextCursor"`
	}
	var page pageResponse
	w = do(router, "GET", "/v1/requests/available?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Requests, 2)
	assert.Equal(t, uint64(1), page.Requests[0].ID)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	var rest pageResponse
	w = do(router, "GET", "/v1/requests/available?limit=2&cursor="+page.NextCursor, "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	require.Len(t, rest.Requests, 1)
	assert.Equal(t, uint64(3), rest.Requests[0].ID)
	assert.False(t, rest.HasMore)

	w = do(router, "GET", "/v1/requests/available?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, "GET", "/v1/requests/available?cursor=garbage", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing fields", map[string]string{"settlementAmount": "1"}, "invalid_request"},
		{"bad settlement", CreateRequestBody{FiatAmount: 1, SettlementAmount: "abc", FeePayment: "0.1"}, "validation_error"},
		{"too many decimals", CreateRequestBody{FiatAmount: 1, SettlementAmount: "1.0000001", FeePayment: "0.1"}, "validation_error"},
		{"zero settlement", CreateRequestBody{FiatAmount: 1, SettlementAmount: "0", FeePayment: "0.1"}, "validation_error"},
		{"zero fiat", CreateRequestBody{FiatAmount: 0, SettlementAmount: "1", FeePayment: "0.1"}, "invalid_amount"},
		{"fee below platform", CreateRequestBody{FiatAmount: 1, SettlementAmount: "1", FeePayment: "0.0001"}, "insufficient_fee"},
		{"zero fee below platform", CreateRequestBody{FiatAmount: 1, SettlementAmount: "1", FeePayment: "0"}, "insufficient_fee"},
		{"negative fee", CreateRequestBody{FiatAmount: 1, SettlementAmount: "1", FeePayment: "-1"}, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, "POST", "/v1/requests", requester, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}
}

func TestHandler_CreateZeroFeeWithoutPlatformFee(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	svc, err := NewService(h.store, h.custody, Config{
		FeeRecipient: owner,
		CustodyAddr:  custody,
		PlatformFee:  big.NewInt(0),
	}, WithClock(h.clock.Now), WithLogger(testLogger()))
	require.NoError(t, err)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAddress, c.GetHeader("X-Caller"))
		c.Next()
	})
	NewHandler(svc, "USDC").RegisterProtectedRoutes(v1)

	w := do(router, "POST", "/v1/requests", requester,
		CreateRequestBody{FiatAmount: 1000, SettlementAmount: "100", FeePayment: "0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fee, ok := units.ParseNative(resp.Request.PayerFee)
	require.True(t, ok)
	assert.Zero(t, fee.Sign())
}

func TestHandler_CreateUnfunded(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "POST", "/v1/requests", stranger, createBody())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "asset_transfer_failed", resp.Error)
}

func TestHandler_FullFlow(t *testing.T) {
	router, h := setupTestRouter(t)
	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)

	w := do(router, "POST", "/v1/requests/1/commit", payerX, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var committed requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &committed))
	assert.Equal(t, StatusCommitted, committed.Request.Status)
	require.NotNil(t, committed.Request.CommitmentExpiry)
	assert.True(t, committed.Request.CommitmentExpiry.Equal(t0.Add(CommitmentWindow)))

	w = do(router, "GET", "/v1/requests/committed", "", nil)
	var list listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(router, "GET", "/v1/payers/"+payerX+"/requests", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(router, "POST", "/v1/requests/1/fulfill", payerX, FulfillRequestBody{ProofToken: "123456789012"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fulfilled requestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fulfilled))
	assert.Equal(t, StatusFulfilled, fulfilled.Request.Status)
	assert.Equal(t, "123456789012", fulfilled.Request.ProofToken)

	expectBalance(t, h.custody, AssetSettlement, payerX, settlement100)
}

func TestHandler_ErrorMapping(t *testing.T) {
	router, h := setupTestRouter(t)
	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		status int
		code   string
	}{
		{"not found", "GET", "/v1/requests/99", "", nil, http.StatusNotFound, "not_found"},
		{"bad id", "GET", "/v1/requests/abc", "", nil, http.StatusBadRequest, "invalid_id"},
		{"zero id", "GET", "/v1/requests/0", "", nil, http.StatusBadRequest, "invalid_id"},
		{"self commit", "POST", "/v1/requests/1/commit", requester, nil, http.StatusForbidden, "self_commit"},
		{"cancel by stranger", "POST", "/v1/requests/1/cancel", stranger, nil, http.StatusForbidden, "not_owner"},
		{"fulfil uncommitted", "POST", "/v1/requests/1/fulfill", payerX, FulfillRequestBody{ProofToken: "123456789012"}, http.StatusConflict, "not_committed"},
		{"fulfil without proof", "POST", "/v1/requests/1/fulfill", payerX, map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"expire early", "POST", "/v1/requests/1/expire", stranger, nil, http.StatusConflict, "not_yet_expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}

	h.commit(t, payerX, 1)
	w := do(router, "POST", "/v1/requests/1/fulfill", payerX, FulfillRequestBody{ProofToken: "12345"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_proof_format")
}

func TestHandler_CancelAndExpire(t *testing.T) {
	router, h := setupTestRouter(t)
	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)
	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)

	w := do(router, "POST", "/v1/requests/1/cancel", requester, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	h.clock.Advance(RequestLifetime + time.Second)
	w = do(router, "POST", "/v1/requests/2/expire", stranger, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, "GET", fmt.Sprintf("/v1/users/%s/requests", requester), "", nil)
	var list listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, StatusCancelled, list.Requests[0].Status)
	assert.Equal(t, StatusExpired, list.Requests[1].Status)
}

func TestHandler_Timing(t *testing.T) {
	router, h := setupTestRouter(t)
	require.Equal(t, http.StatusCreated, do(router, "POST", "/v1/requests", requester, createBody()).Code)
	h.commit(t, payerX, 1)
	h.clock.Advance(CommitmentWindow + time.Second)

	w := do(router, "GET", "/v1/requests/1/timing", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var timing Timing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &timing))
	assert.False(t, timing.IsExpired)
	assert.True(t, timing.IsCommitmentTimedOut)

	w = do(router, "GET", "/v1/requests/available", "", nil)
	var list listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_Engine(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "GET", "/v1/engine", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0.001000000000000000", resp["platformFee"])
	assert.Equal(t, owner, resp["feeRecipient"])
	assert.Equal(t, "USDC", resp["settlementAsset"])
	assert.Equal(t, float64(1), resp["nextRequestId"])
	assert.Equal(t, float64(0), resp["totalRequests"])
}

func TestHandler_InvalidAddressParam(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "GET", "/v1/users/not-an-address/requests", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrInvalidAmount))
	assert.Equal(t, http.StatusForbidden, StatusFor(ErrNotHolder))
	assert.Equal(t, http.StatusConflict, StatusFor(ErrCommitmentActive))
	assert.Equal(t, http.StatusConflict, StatusFor(ErrTransferInProgress))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(ErrPayoutFailed.wrap(errors.New("x"))))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("db down")))
}
