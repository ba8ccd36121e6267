package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to an upiramp server.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "ur_..."
	Address string // Caller's address, used by check_balances when none is given
}

// Client is a thin HTTP client for the /v1 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Error != "" {
				return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func requestPath(id uint64, action string) string {
	p := "/v1/requests/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

// AvailableRequests lists pending requests and committed ones whose window has lapsed.
func (c *Client) AvailableRequests(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/requests/available", nil, nil)
}

// GetRequest fetches one payment request.
func (c *Client) GetRequest(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, requestPath(id, ""), nil, nil)
}

// CreateRequest opens a payment request funded from the caller's balances.
func (c *Client) CreateRequest(ctx context.Context, fiatAmount uint64, settlementAmount, feePayment string) (json.RawMessage, error) {
	body := map[string]any{
		"fiatAmount":       fiatAmount,
		"settlementAmount": settlementAmount,
		"feePayment":       feePayment,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/requests", nil, body)
}

// CommitRequest takes the commitment on a request.
func (c *Client) CommitRequest(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, requestPath(id, "commit"), nil, nil)
}

// FulfillRequest submits the UPI proof token and releases the settlement.
func (c *Client) FulfillRequest(ctx context.Context, id uint64, proofToken string) (json.RawMessage, error) {
	body := map[string]string{"proofToken": proofToken}
	return c.doRequest(ctx, http.MethodPost, requestPath(id, "fulfill"), nil, body)
}

// CancelRequest cancels one of the caller's own requests.
func (c *Client) CancelRequest(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, requestPath(id, "cancel"), nil, nil)
}

// Balances returns the ledger balances of an address.
func (c *Client) Balances(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/"+url.PathEscape(address)+"/balances", nil, nil)
}
