package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client  *Client
	address string
}

// NewHandlers creates a new Handlers instance. address is the default for
// check_balances and may be empty.
func NewHandlers(client *Client, address string) *Handlers {
	return &Handlers{client: client, address: address}
}

func requestID(req mcp.CallToolRequest) (uint64, error) {
	id := req.GetInt("request_id", 0)
	if id <= 0 {
		return 0, fmt.Errorf("request_id must be a positive integer")
	}
	return uint64(id), nil
}

// HandleListAvailableRequests lists requests open to commitment.
func (h *Handlers) HandleListAvailableRequests(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.AvailableRequests(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list requests: %v", err)), nil
	}

	text, err := formatRequestList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse requests: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRequest shows one request.
func (h *Handlers) HandleGetRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requestID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.GetRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get request %d: %v", id, err)), nil
	}
	return requestResult(raw, "")
}

// HandleCommitRequest commits the caller as payer.
func (h *Handlers) HandleCommitRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requestID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CommitRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Commit failed: %v", err)), nil
	}
	return requestResult(raw, "Committed. Send the UPI payment, then call fulfill_request with the UPI reference before the commitment expires.")
}

// HandleFulfillRequest submits the proof token.
func (h *Handlers) HandleFulfillRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requestID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	proof := strings.TrimSpace(req.GetString("proof_token", ""))
	if proof == "" {
		return mcp.NewToolResultError("proof_token is required"), nil
	}

	raw, err := h.client.FulfillRequest(ctx, id, proof)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Fulfil failed: %v", err)), nil
	}
	return requestResult(raw, "Fulfilled. The settlement amount and payer fee were released to you.")
}

// HandleCreateRequest opens a new request.
func (h *Handlers) HandleCreateRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fiat := req.GetInt("fiat_amount", 0)
	if fiat <= 0 {
		return mcp.NewToolResultError("fiat_amount must be a positive integer"), nil
	}
	settlement := req.GetString("settlement_amount", "")
	if settlement == "" {
		return mcp.NewToolResultError("settlement_amount is required"), nil
	}
	fee := req.GetString("fee_payment", "")
	if fee == "" {
		return mcp.NewToolResultError("fee_payment is required"), nil
	}

	raw, err := h.client.CreateRequest(ctx, uint64(fiat), settlement, fee)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Create failed: %v", err)), nil
	}
	return requestResult(raw, "Created. The settlement amount and payer fee are held in custody until the request settles.")
}

// HandleCancelRequest cancels the caller's request.
func (h *Handlers) HandleCancelRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requestID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CancelRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}
	return requestResult(raw, "Cancelled. The settlement amount and payer fee were refunded to you.")
}

// HandleCheckBalances shows ledger balances.
func (h *Handlers) HandleCheckBalances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", h.address)
	if address == "" {
		return mcp.NewToolResultError("address is required (no default address configured)"), nil
	}

	raw, err := h.client.Balances(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balances: %v", err)), nil
	}

	text, err := formatBalances(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balances: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type requestInfo struct {
	ID               uint64     `json:"id"`
	Requester        string     `json:"requester"`
	Payer            string     `json:"payer"`
	FiatAmount       uint64     `json:"fiatAmount"`
	SettlementAmount string     `json:"settlementAmount"`
	PayerFee         string     `json:"payerFee"`
	Status           string     `json:"status"`
	CommitmentExpiry *time.Time `json:"commitmentExpiry"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	ProofToken       string     `json:"proofToken"`
}

func requestResult(raw json.RawMessage, header string) (*mcp.CallToolResult, error) {
	var body struct {
		Request *requestInfo `json:"request"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Request == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	var sb strings.Builder
	if header != "" {
		sb.WriteString(header)
		sb.WriteString("\n\n")
	}
	writeRequest(&sb, body.Request)
	return mcp.NewToolResultText(sb.String()), nil
}

func writeRequest(sb *strings.Builder, r *requestInfo) {
	fmt.Fprintf(sb, "Request #%d [%s]\n", r.ID, r.Status)
	fmt.Fprintf(sb, "   Fiat: %d INR | Settlement: %s | Payer fee: %s\n", r.FiatAmount, r.SettlementAmount, r.PayerFee)
	fmt.Fprintf(sb, "   Requester: %s\n", r.Requester)
	if r.Payer != "" {
		fmt.Fprintf(sb, "   Payer: %s\n", r.Payer)
	}
	if r.CommitmentExpiry != nil {
		fmt.Fprintf(sb, "   Commitment expires: %s\n", r.CommitmentExpiry.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(sb, "   Request expires: %s\n", r.ExpiresAt.UTC().Format(time.RFC3339))
	if r.ProofToken != "" {
		fmt.Fprintf(sb, "   Proof: %s\n", r.ProofToken)
	}
}

func formatRequestList(raw json.RawMessage) (string, error) {
	var body struct {
		Requests []*requestInfo `json:"requests"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	if len(body.Requests) == 0 {
		return "No requests are available right now.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d available request(s):\n\n", len(body.Requests))
	for i, r := range body.Requests {
		writeRequest(&sb, r)
		if i < len(body.Requests)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBalances(raw json.RawMessage) (string, error) {
	var body struct {
		Balances []struct {
			Address string `json:"address"`
			Symbol  string `json:"symbol"`
			Amount  string `json:"amount"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	if len(body.Balances) == 0 {
		return "No balances found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balances for %s:\n", body.Balances[0].Address)
	for _, b := range body.Balances {
		fmt.Fprintf(&sb, "   %s: %s\n", b.Symbol, b.Amount)
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw text.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
