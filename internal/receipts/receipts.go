// Package receipts issues signed settlement receipts.
//
// Every terminal transition that releases custody (a fulfilment paying the
// payer, a cancellation or expiry refunding the requester) produces a receipt
// signed with the platform's HMAC key, so either party can later prove what
// the engine released.
package receipts

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/upiramp/internal/escrow"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no RECEIPT_SECRET configured)")
)

// Outcome is the terminal transition a receipt records.
type Outcome string

const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)

func outcomeFor(t escrow.EventType) (Outcome, bool) {
	switch t {
	case escrow.EventFulfilled:
		return OutcomeFulfilled, true
	case escrow.EventCancelled:
		return OutcomeCancelled, true
	case escrow.EventExpired:
		return OutcomeExpired, true
	}
	return "", false
}

// Receipt is signed proof that the engine released a request's custody.
type Receipt struct {
	ID               string    `json:"id"`
	RequestID        uint64    `json:"requestId"`
	Outcome          Outcome   `json:"outcome"`
	From             string    `json:"from"` // custody account
	To               string    `json:"to"`   // payer on fulfilment, requester on refund
	Requester        string    `json:"requester"`
	Payer            string    `json:"payer,omitempty"`
	SettlementAmount string    `json:"settlementAmount"`
	PayerFee         string    `json:"payerFee"`
	ProofToken       string    `json:"proofToken,omitempty"`
	PayloadHash      string    `json:"payloadHash"`
	Signature        string    `json:"signature"`
	IssuedAt         time.Time `json:"issuedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// VerifyRequest is the body of POST /v1/receipts/verify.
type VerifyRequest struct {
	ReceiptID string `json:"receiptId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	// ListByAddress returns receipts naming addr as requester or payer,
	// newest first.
	ListByAddress(ctx context.Context, addr string, limit int) ([]*Receipt, error)
	ListByRequest(ctx context.Context, requestID uint64) ([]*Receipt, error)
}

// payload is the signed content. JSON field order follows struct order.
type payload struct {
	Outcome          string `json:"outcome"`
	RequestID        uint64 `json:"requestId"`
	From             string `json:"from"`
	To               string `json:"to"`
	Requester        string `json:"requester"`
	Payer            string `json:"payer"`
	SettlementAmount string `json:"settlementAmount"`
	PayerFee         string `json:"payerFee"`
	ProofToken       string `json:"proofToken"`
	IssuedAt         int64  `json:"issuedAt"`
	ExpiresAt        int64  `json:"expiresAt"`
}

func payloadOf(r *Receipt) payload {
	return payload{
		Outcome:          string(r.Outcome),
		RequestID:        r.RequestID,
		From:             r.From,
		To:               r.To,
		Requester:        r.Requester,
		Payer:            r.Payer,
		SettlementAmount: r.SettlementAmount,
		PayerFee:         r.PayerFee,
		ProofToken:       r.ProofToken,
		IssuedAt:         r.IssuedAt.Unix(),
		ExpiresAt:        r.ExpiresAt.Unix(),
	}
}
