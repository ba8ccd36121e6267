package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/mbd888/upiramp/internal/validation"
)

// Read-side projections. Each call takes one store snapshot and evaluates it
// against a single instant, so a result never mixes two points in time.

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id uint64) (*PaymentRequest, error) {
	return s.store.Get(ctx, id)
}

// AvailableRequests returns unexpired requests a payer can commit to: pending
// ones, and committed ones whose commitment window has lapsed.
func (s *Service) AvailableRequests(ctx context.Context) ([]*PaymentRequest, error) {
	now := s.clock()
	open, err := s.store.ListByStatus(ctx, StatusPending, StatusCommitted)
	if err != nil {
		return nil, err
	}
	return filter(open, func(r *PaymentRequest) bool {
		if r.expiredAt(now) {
			return false
		}
		return r.Status == StatusPending || r.commitmentLapsedAt(now)
	}), nil
}

// CommittedRequests returns unexpired requests with an active commitment.
func (s *Service) CommittedRequests(ctx context.Context) ([]*PaymentRequest, error) {
	now := s.clock()
	committed, err := s.store.ListByStatus(ctx, StatusCommitted)
	if err != nil {
		return nil, err
	}
	return filter(committed, func(r *PaymentRequest) bool {
		return !r.expiredAt(now) && !r.commitmentLapsedAt(now)
	}), nil
}

// UserRequests returns every request user created, in creation order.
func (s *Service) UserRequests(ctx context.Context, user string) ([]*PaymentRequest, error) {
	return s.store.ListByRequester(ctx, validation.SanitizeAddress(user))
}

// PayerCommittedRequests returns committed requests currently held by payer,
// whether or not the window has lapsed.
func (s *Service) PayerCommittedRequests(ctx context.Context, payer string) ([]*PaymentRequest, error) {
	payer = validation.SanitizeAddress(payer)
	held, err := s.store.ListByPayer(ctx, payer)
	if err != nil {
		return nil, err
	}
	return filter(held, func(r *PaymentRequest) bool {
		return r.Status == StatusCommitted && r.Payer == payer
	}), nil
}

// TotalRequests returns how many requests were ever created.
func (s *Service) TotalRequests(ctx context.Context) (uint64, error) {
	return s.store.Count(ctx)
}

// NextRequestID returns the id the next Create will assign.
func (s *Service) NextRequestID(ctx context.Context) (uint64, error) {
	return s.store.NextID(ctx)
}

// IsExpired reports whether the request's lifetime has elapsed.
func (s *Service) IsExpired(ctx context.Context, id uint64) (bool, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return r.expiredAt(s.clock()), nil
}

// IsCommitmentTimedOut reports whether a committed request's window has lapsed.
// Requests that are not committed report false.
func (s *Service) IsCommitmentTimedOut(ctx context.Context, id uint64) (bool, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return r.Status == StatusCommitted && r.commitmentLapsedAt(s.clock()), nil
}

// CommitmentExpiry returns committedAt + CommitmentWindow, or the zero time
// if the request was never committed.
func (s *Service) CommitmentExpiry(ctx context.Context, id uint64) (time.Time, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return r.CommitmentExpiry(), nil
}

// Timing bundles the time-derived facts about one request.
type Timing struct {
	Now                  time.Time  `json:"now"`
	ExpiresAt            time.Time  `json:"expiresAt"`
	IsExpired            bool       `json:"isExpired"`
	CommitmentExpiry     *time.Time `json:"commitmentExpiry,omitempty"`
	IsCommitmentTimedOut bool       `json:"isCommitmentTimedOut"`
}

// RequestTiming evaluates expiry and commitment state at one instant.
func (s *Service) RequestTiming(ctx context.Context, id uint64) (*Timing, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	t := &Timing{
		Now:                  now,
		ExpiresAt:            r.ExpiresAt,
		IsExpired:            r.expiredAt(now),
		IsCommitmentTimedOut: r.Status == StatusCommitted && r.commitmentLapsedAt(now),
	}
	if r.CommittedAt != nil {
		until := r.CommitmentExpiry()
		t.CommitmentExpiry = &until
	}
	return t, nil
}

// PlatformFeeAmount returns the fixed platform fee in native base units.
func (s *Service) PlatformFeeAmount() *big.Int {
	return s.fees.PlatformFee()
}

// FeeRecipient returns the address receiving platform fees.
func (s *Service) FeeRecipient() string {
	return s.fees.Recipient()
}

// CustodyAddress returns the account holding deposits.
func (s *Service) CustodyAddress() string {
	return s.custodyAddr
}

// Holdings is what custody owes to open requests.
type Holdings struct {
	OpenRequests int
	Settlement   *big.Int
	PayerFees    *big.Int
}

// HeldInCustody sums the settlement amounts and payer fees of every pending
// or committed request, expired or not.
func (s *Service) HeldInCustody(ctx context.Context) (*Holdings, error) {
	open, err := s.store.ListByStatus(ctx, StatusPending, StatusCommitted)
	if err != nil {
		return nil, err
	}
	h := &Holdings{OpenRequests: len(open), Settlement: new(big.Int), PayerFees: new(big.Int)}
	for _, r := range open {
		h.Settlement.Add(h.Settlement, r.SettlementAmount)
		h.PayerFees.Add(h.PayerFees, r.PayerFee)
	}
	return h, nil
}

func filter(in []*PaymentRequest, keep func(*PaymentRequest) bool) []*PaymentRequest {
	out := make([]*PaymentRequest, 0, len(in))
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
