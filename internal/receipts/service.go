package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/upiramp/internal/escrow"
	"github.com/mbd888/upiramp/internal/idgen"
)

// Service issues, stores and verifies receipts.
type Service struct {
	store   Store
	signer  *Signer
	custody string
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a receipt service. With a nil signer it issues
// nothing and Verify reports ErrSigningDisabled.
func NewService(store Store, signer *Signer, custody string, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		signer:  signer,
		custody: strings.ToLower(custody),
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether receipts are being signed.
func (s *Service) Enabled() bool {
	return s != nil && s.signer != nil
}

// Notify implements escrow.Notifier: terminal transitions get a receipt.
func (s *Service) Notify(ctx context.Context, ev escrow.Event) {
	if !s.Enabled() {
		return
	}
	if _, ok := outcomeFor(ev.Type); !ok {
		return
	}
	if _, err := s.Issue(ctx, ev); err != nil {
		s.logger.Error("receipt issuance failed", "request", ev.RequestID, "event", ev.Type, "error", err)
	}
}

// Issue signs and stores a receipt for a terminal event.
func (s *Service) Issue(ctx context.Context, ev escrow.Event) (*Receipt, error) {
	if !s.Enabled() {
		return nil, ErrSigningDisabled
	}
	outcome, ok := outcomeFor(ev.Type)
	if !ok {
		return nil, fmt.Errorf("receipts: %s is not a terminal event", ev.Type)
	}

	to := ev.RefundedTo
	if outcome == OutcomeFulfilled {
		to = ev.Payer
	}
	issued := s.now().UTC().Truncate(time.Second)
	r := &Receipt{
		ID:               idgen.WithPrefix("rcpt_"),
		RequestID:        ev.RequestID,
		Outcome:          outcome,
		From:             s.custody,
		To:               strings.ToLower(to),
		Requester:        strings.ToLower(ev.Requester),
		Payer:            strings.ToLower(ev.Payer),
		SettlementAmount: ev.SettlementAmount,
		PayerFee:         ev.PayerFee,
		ProofToken:       ev.ProofToken,
		IssuedAt:         issued,
		ExpiresAt:        issued.Add(SignatureValidity),
	}
	hash, sig, err := s.signer.Sign(payloadOf(r))
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}
	r.PayloadHash = hash
	r.Signature = sig

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("receipts: failed to store: %w", err)
	}
	s.logger.Info("receipt issued", "receipt", r.ID, "request", r.RequestID, "outcome", r.Outcome, "to", r.To)
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByAddress returns receipts where addr is the requester or payer.
func (s *Service) ListByAddress(ctx context.Context, addr string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAddress(ctx, strings.ToLower(addr), limit)
}

// ListByRequest returns the receipts issued for one request.
func (s *Service) ListByRequest(ctx context.Context, requestID uint64) ([]*Receipt, error) {
	return s.store.ListByRequest(ctx, requestID)
}

// Verify checks a stored receipt's signature and expiry.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if !s.Enabled() {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrSigningDisabled.Error()}, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrReceiptNotFound.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{ReceiptID: receiptID, Valid: s.signer.Verify(payloadOf(r), r.Signature)}
	if !resp.Valid {
		resp.Error = "signature verification failed"
	} else if s.now().After(r.ExpiresAt) {
		resp.Expired = true
	}
	return resp, nil
}

var _ escrow.Notifier = (*Service)(nil)
