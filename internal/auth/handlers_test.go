package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(m *Manager) *gin.Engine {
	h := NewHandler(m)
	r := gin.New()
	r.Use(Middleware(m))
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("", RequireAuth())
	h.RegisterProtectedRoutes(protected)
	return r
}

func send(r *gin.Engine, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_IssueListRevoke(t *testing.T) {
	m := newTestManager()
	r := setupRouter(m)
	wl := newWallet(t)
	ts := testNow.Unix()

	issueBody := IssueKeyRequest{Address: wl.addr, Timestamp: ts, Signature: wl.sign(t, ChallengeMessage(wl.addr, ts)), Name: "bot"}

	w := send(r, "POST", "/v1/auth/keys", "", issueBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first struct {
		APIKey string `json:"apiKey"`
		KeyID  string `json:"keyId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w = send(r, "POST", "/v1/auth/keys", "", issueBody)
	require.Equal(t, http.StatusCreated, w.Code)
	var second struct {
		KeyID string `json:"keyId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	w = send(r, "GET", "/v1/auth/keys", first.APIKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hash")
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	w = send(r, "DELETE", "/v1/auth/keys/"+first.KeyID, first.APIKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "cannot revoke the key in use")

	w = send(r, "DELETE", "/v1/auth/keys/"+second.KeyID, first.APIKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = send(r, "DELETE", "/v1/auth/keys/"+second.KeyID, first.APIKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_IssueRejections(t *testing.T) {
	m := newTestManager()
	r := setupRouter(m)
	wl := newWallet(t)
	ts := testNow.Unix()

	w := send(r, "POST", "/v1/auth/keys", "", map[string]any{"address": wl.addr})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, "POST", "/v1/auth/keys", "", IssueKeyRequest{Address: "nope", Timestamp: ts, Signature: "0x00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")

	w = send(r, "POST", "/v1/auth/keys", "", IssueKeyRequest{
		Address: wl.addr, Timestamp: ts - 3600, Signature: wl.sign(t, ChallengeMessage(wl.addr, ts-3600)),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "stale_challenge")

	w = send(r, "POST", "/v1/auth/keys", "", IssueKeyRequest{
		Address: wl.addr, Timestamp: ts, Signature: newWallet(t).sign(t, ChallengeMessage(wl.addr, ts)),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	w = send(r, "POST", "/v1/auth/keys", "", IssueKeyRequest{Address: wl.addr, Timestamp: ts, Signature: "not-hex"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = send(r, "POST", "/v1/auth/keys", "", IssueKeyRequest{
		Address: wl.addr, Timestamp: ts, Signature: wl.sign(t, ChallengeMessage(wl.addr, ts)),
		Name: strings.Repeat("k", MaxKeyNameLength+1),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name")
}

func TestHandler_ProtectedRequiresKey(t *testing.T) {
	r := setupRouter(newTestManager())
	assert.Equal(t, http.StatusUnauthorized, send(r, "GET", "/v1/auth/keys", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, send(r, "GET", "/v1/auth/keys", "sk_wrong", nil).Code)
}

func TestHandler_Info(t *testing.T) {
	r := setupRouter(newTestManager())
	w := send(r, "GET", "/v1/auth/info", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "upiramp:key:")
}
