// Package escrow settles an off-ledger fiat payment against an on-ledger
// deposit of a settlement asset.
//
// Flow:
//  1. Requester creates a request: settlement asset + native fee move into custody,
//     the platform fee is paid out to the fee recipient
//  2. A payer commits, holding the request exclusively for CommitmentWindow
//  3. The payer sends the fiat off-ledger and fulfils with a proof token:
//     custody releases the settlement asset and payer fee to the payer
//  4. Requester cancels, or anyone expires the request after RequestLifetime:
//     custody refunds the settlement asset and payer fee to the requester
//  5. A commitment that lapses without fulfilment can be taken over by another payer
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/upiramp/internal/retry"
	"github.com/mbd888/upiramp/internal/syncutil"
	"github.com/mbd888/upiramp/internal/traces"
	"github.com/mbd888/upiramp/internal/validation"
)

const (
	// RequestLifetime is how long a request stays open after creation.
	RequestLifetime = 24 * time.Hour
	// CommitmentWindow is how long a commitment stays exclusive.
	CommitmentWindow = 5 * time.Minute
	// ProofTokenLength is the exact number of digits in a proof token.
	ProofTokenLength = 12
)

// Status represents the lifecycle state of a payment request.
type Status string

const (
	StatusPending   Status = "pending"   // Created, open for commitment
	StatusCommitted Status = "committed" // Held by a payer
	StatusFulfilled Status = "fulfilled" // Payer proved payment and was paid out
	StatusCancelled Status = "cancelled" // Requester withdrew, refunded
	StatusExpired   Status = "expired"   // Lifetime elapsed, refunded
)

// IsTerminal returns true for states that accept no further transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFulfilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// PaymentRequest is one escrow instance. Amounts are in base units:
// SettlementAmount in settlement-asset units, PayerFee in native units.
type PaymentRequest struct {
	ID               uint64     `json:"id"`
	Requester        string     `json:"requester"`
	Payer            string     `json:"payer,omitempty"`
	FiatAmount       uint64     `json:"fiatAmount"`
	SettlementAmount *big.Int   `json:"settlementAmount"`
	PayerFee         *big.Int   `json:"payerFee"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	CommittedAt      *time.Time `json:"committedAt,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	ProofToken       string     `json:"proofToken,omitempty"`
}

// CommitmentExpiry is the last instant the current commitment is exclusive.
// Zero when the request was never committed.
func (r *PaymentRequest) CommitmentExpiry() time.Time {
	if r.CommittedAt == nil {
		return time.Time{}
	}
	return r.CommittedAt.Add(CommitmentWindow)
}

// expiredAt reports whether the request lifetime has elapsed at now.
func (r *PaymentRequest) expiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// commitmentLapsedAt reports whether the commitment window has elapsed at now.
func (r *PaymentRequest) commitmentLapsedAt(now time.Time) bool {
	return r.CommittedAt != nil && now.After(r.CommitmentExpiry())
}

func (r *PaymentRequest) clone() *PaymentRequest {
	cp := *r
	if r.SettlementAmount != nil {
		cp.SettlementAmount = new(big.Int).Set(r.SettlementAmount)
	}
	if r.PayerFee != nil {
		cp.PayerFee = new(big.Int).Set(r.PayerFee)
	}
	if r.CommittedAt != nil {
		t := *r.CommittedAt
		cp.CommittedAt = &t
	}
	return &cp
}

// Store persists payment requests and their indices. It performs no
// business validation.
type Store interface {
	// NextID reports the id the next Insert should use. Callers serialize
	// allocation themselves.
	NextID(ctx context.Context) (uint64, error)
	// Insert adds a record and appends it to the requester and global
	// indices. Fails with ErrDuplicateID.
	Insert(ctx context.Context, r *PaymentRequest) error
	// Get fails with ErrNotFound.
	Get(ctx context.Context, id uint64) (*PaymentRequest, error)
	Exists(ctx context.Context, id uint64) (bool, error)
	// Update replaces a record and appends it to the payer index the first
	// time a payer commits to it.
	Update(ctx context.Context, r *PaymentRequest) error
	Count(ctx context.Context) (uint64, error)
	// ListByStatus returns records in creation order. No statuses means all.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*PaymentRequest, error)
	// ListByRequester returns every record the address created, in creation order.
	ListByRequester(ctx context.Context, addr string) ([]*PaymentRequest, error)
	// ListByPayer returns every record the address ever committed to.
	ListByPayer(ctx context.Context, addr string) ([]*PaymentRequest, error)
	// ListExpirable returns open records whose lifetime ended before the given time.
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]*PaymentRequest, error)
}

// Asset names which balance a Transfer moves.
type Asset string

const (
	AssetNative     Asset = "native"
	AssetSettlement Asset = "settlement"
)

// Transfer is one leg of a custody movement.
type Transfer struct {
	Asset  Asset
	From   string
	To     string
	Amount *big.Int
}

// Custody moves assets. Settle must apply every leg or none.
type Custody interface {
	Settle(ctx context.Context, reference string, legs ...Transfer) error
}

// Config holds construction-time parameters that never change afterwards.
type Config struct {
	FeeRecipient string   // engine owner, receives the platform fee
	CustodyAddr  string   // account holding deposits
	PlatformFee  *big.Int // native base units; nil means DefaultPlatformFee
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the in-process per-request lock, e.g. with a Redis lock
// shared by several processes.
func WithLocker(l syncutil.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithNotifier registers a sink for transition events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the request lifecycle.
type Service struct {
	store       Store
	custody     Custody
	fees        FeeSchedule
	custodyAddr string
	locker      syncutil.Locker
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time

	// transferring holds ids whose custody movement is in flight. It is
	// checked before the lock so a nested call from inside Settle fails
	// instead of deadlocking or observing stale state.
	transferring sync.Map
}

const createLockKey = "create"

func requestLockKey(id uint64) string { return fmt.Sprintf("request:%d", id) }

func reference(id uint64) string { return fmt.Sprintf("request:%d", id) }

// NewService creates the engine.
func NewService(store Store, custody Custody, cfg Config, opts ...Option) (*Service, error) {
	fees, err := NewFeeSchedule(cfg.PlatformFee, cfg.FeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("escrow: fee schedule: %w", err)
	}
	custodyAddr := validation.SanitizeAddress(cfg.CustodyAddr)
	if custodyAddr == "" || custodyAddr == fees.Recipient() {
		return nil, fmt.Errorf("escrow: custody address must be set and differ from the fee recipient: %w", ErrInvalidAddress)
	}

	s := &Service{
		store:       store,
		custody:     custody,
		fees:        fees,
		custodyAddr: custodyAddr,
		locker:      syncutil.NewKeyedMutex(),
		notifier:    nopNotifier{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// clock returns the current instant at the engine's one-second resolution.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// Create opens a request funded by requester. feePayment is in native base
// units and must cover the platform fee; the excess is held for the payer.
func (s *Service) Create(ctx context.Context, requester string, fiatAmount uint64, settlementAmount, feePayment *big.Int) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Caller(requester))
	defer span.End()

	r, err := s.create(ctx, validation.SanitizeAddress(requester), fiatAmount, settlementAmount, feePayment)
	if err != nil {
		observeFailure("create", err)
		return nil, err
	}
	observeTransition("create", r, r.CreatedAt)
	s.logger.Info("request created",
		"requestId", r.ID,
		"requester", r.Requester,
		"fiatAmount", r.FiatAmount,
		"settlementAmount", r.SettlementAmount.String(),
		"payerFee", r.PayerFee.String(),
	)
	s.emit(ctx, createdEvent(r))
	return r.clone(), nil
}

func (s *Service) create(ctx context.Context, requester string, fiatAmount uint64, settlementAmount, feePayment *big.Int) (*PaymentRequest, error) {
	if requester == "" || requester == s.custodyAddr {
		return nil, ErrInvalidAddress
	}
	if fiatAmount == 0 || settlementAmount == nil || settlementAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	platformFee, payerFee, err := s.fees.Split(feePayment)
	if err != nil {
		return nil, err
	}

	// Id allocation reads the global counter, so creations are serialized.
	unlock, err := s.locker.LockContext(ctx, createLockKey)
	if err != nil {
		return nil, fmt.Errorf("escrow: acquire create lock: %w", err)
	}
	defer unlock()

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: allocate id: %w", err)
	}

	now := s.clock()
	r := &PaymentRequest{
		ID:               id,
		Requester:        requester,
		FiatAmount:       fiatAmount,
		SettlementAmount: new(big.Int).Set(settlementAmount),
		PayerFee:         payerFee,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(RequestLifetime),
	}

	// One batch: the deposit and the platform fee payout land together or
	// not at all, and nothing is persisted unless they land.
	legs := []Transfer{
		{Asset: AssetNative, From: requester, To: s.custodyAddr, Amount: new(big.Int).Set(feePayment)},
		{Asset: AssetSettlement, From: requester, To: s.custodyAddr, Amount: r.SettlementAmount},
		{Asset: AssetNative, From: s.custodyAddr, To: s.fees.Recipient(), Amount: platformFee},
	}
	if err := s.settle(ctx, id, legs...); err != nil {
		return nil, ErrAssetTransferFailed.wrap(err)
	}

	if err := s.store.Insert(ctx, r); err != nil {
		compCtx := context.WithoutCancel(ctx)
		if cerr := s.settle(compCtx, id, reverseLegs(legs)...); cerr != nil {
			s.logger.Error("CRITICAL: request deposit taken but record not stored and refund failed",
				"requestId", id, "requester", requester,
				"settlementAmount", r.SettlementAmount.String(), "feePayment", feePayment.String(),
				"insertError", err, "refundError", cerr)
		}
		return nil, fmt.Errorf("escrow: persist request %d: %w", id, err)
	}
	return r, nil
}

// Commit gives caller the exclusive right to fulfil for CommitmentWindow.
// A lapsed commitment can be taken over by any other payer.
func (s *Service) Commit(ctx context.Context, caller string, id uint64) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Commit", traces.RequestID(id), traces.Caller(caller))
	defer span.End()
	caller = validation.SanitizeAddress(caller)

	return s.transition(ctx, "commit", id, func(r *PaymentRequest, now time.Time) (*Event, error) {
		if r.expiredAt(now) {
			return nil, ErrExpired
		}
		if caller == r.Requester {
			return nil, ErrSelfCommit
		}
		switch r.Status {
		case StatusPending:
		case StatusCommitted:
			if !r.commitmentLapsedAt(now) {
				return nil, ErrCommitmentActive
			}
			if caller == r.Payer {
				return nil, ErrAlreadyHeldBySameParty
			}
		default:
			return nil, ErrNotCommittable
		}
		if caller == "" {
			return nil, ErrInvalidAddress
		}

		evicted := r.Payer
		r.Payer = caller
		r.CommittedAt = &now
		r.Status = StatusCommitted
		if err := s.store.Update(ctx, r); err != nil {
			return nil, fmt.Errorf("escrow: persist request %d: %w", r.ID, err)
		}

		s.logger.Info("request committed", "requestId", r.ID, "payer", caller, "evicted", evicted)
		return committedEvent(r, evicted), nil
	})
}

// IsValidProofToken reports whether token has exactly ProofTokenLength
// characters, all decimal digits.
func IsValidProofToken(token string) bool {
	if len(token) != ProofTokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return false
		}
	}
	return true
}

// Fulfill pays the settlement asset and payer fee out to the committed payer.
func (s *Service) Fulfill(ctx context.Context, caller string, id uint64, proofToken string) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fulfill", traces.RequestID(id), traces.Caller(caller))
	defer span.End()
	caller = validation.SanitizeAddress(caller)

	return s.transition(ctx, "fulfill", id, func(r *PaymentRequest, now time.Time) (*Event, error) {
		if r.Status != StatusCommitted {
			return nil, ErrNotCommitted
		}
		if r.expiredAt(now) {
			return nil, ErrExpired
		}
		if caller != r.Payer {
			return nil, ErrNotHolder
		}
		if r.commitmentLapsedAt(now) {
			return nil, ErrCommitmentTimedOut
		}
		if !IsValidProofToken(proofToken) {
			return nil, ErrInvalidProofFormat
		}

		prev := r.clone()
		r.Status = StatusFulfilled
		r.ProofToken = proofToken
		if err := s.persistThenRelease(ctx, prev, r, r.Payer); err != nil {
			return nil, err
		}

		s.logger.Info("request fulfilled", "requestId", r.ID, "payer", r.Payer,
			"settlementAmount", r.SettlementAmount.String(), "payerFee", r.PayerFee.String())
		return fulfilledEvent(r, now), nil
	})
}

// Cancel refunds the requester. Allowed while pending or committed, even
// when the commitment is still active. The platform fee is not refunded.
func (s *Service) Cancel(ctx context.Context, caller string, id uint64) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.RequestID(id), traces.Caller(caller))
	defer span.End()
	caller = validation.SanitizeAddress(caller)

	return s.transition(ctx, "cancel", id, func(r *PaymentRequest, now time.Time) (*Event, error) {
		if caller != r.Requester {
			return nil, ErrNotOwner
		}
		if r.Status != StatusPending && r.Status != StatusCommitted {
			return nil, ErrNotCancellable
		}

		prev := r.clone()
		r.Status = StatusCancelled
		if err := s.persistThenRelease(ctx, prev, r, r.Requester); err != nil {
			return nil, err
		}

		s.logger.Info("request cancelled", "requestId", r.ID, "requester", r.Requester, "payer", r.Payer)
		return refundedEvent(EventCancelled, r, caller, now), nil
	})
}

// Expire refunds the requester once RequestLifetime has elapsed. Anyone may call it.
func (s *Service) Expire(ctx context.Context, caller string, id uint64) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Expire", traces.RequestID(id), traces.Caller(caller))
	defer span.End()
	caller = validation.SanitizeAddress(caller)

	return s.transition(ctx, "expire", id, func(r *PaymentRequest, now time.Time) (*Event, error) {
		if r.Status != StatusPending && r.Status != StatusCommitted {
			return nil, ErrNotExpirable
		}
		if !r.expiredAt(now) {
			return nil, ErrNotYetExpired
		}

		prev := r.clone()
		r.Status = StatusExpired
		if err := s.persistThenRelease(ctx, prev, r, r.Requester); err != nil {
			return nil, err
		}

		s.logger.Info("request expired", "requestId", r.ID, "requester", r.Requester, "caller", caller)
		return refundedEvent(EventExpired, r, caller, now), nil
	})
}

// transition runs fn on a fresh copy of the record inside the request's
// critical section. fn evaluates guards, persists, and moves funds; any error
// it returns must leave the stored record and custody untouched.
func (s *Service) transition(ctx context.Context, op string, id uint64, fn func(r *PaymentRequest, now time.Time) (*Event, error)) (*PaymentRequest, error) {
	r, ev, err := s.locked(ctx, id, fn)
	if err != nil {
		observeFailure(op, err)
		return nil, err
	}
	observeTransition(op, r, ev.Timestamp)
	s.emit(ctx, ev)
	return r, nil
}

func (s *Service) locked(ctx context.Context, id uint64, fn func(r *PaymentRequest, now time.Time) (*Event, error)) (*PaymentRequest, *Event, error) {
	if _, busy := s.transferring.Load(id); busy {
		return nil, nil, ErrTransferInProgress
	}
	unlock, err := s.locker.LockContext(ctx, requestLockKey(id))
	if err != nil {
		return nil, nil, fmt.Errorf("escrow: acquire lock for request %d: %w", id, err)
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ev, err := fn(r, s.clock())
	if err != nil {
		return nil, nil, err
	}
	return r.clone(), ev, nil
}

// persistThenRelease stores next, then releases the custodied settlement
// amount and payer fee to recipient. If the release fails the stored record
// is put back to prev so the request can be retried.
func (s *Service) persistThenRelease(ctx context.Context, prev, next *PaymentRequest, recipient string) error {
	if err := s.store.Update(ctx, next); err != nil {
		return fmt.Errorf("escrow: persist request %d: %w", next.ID, err)
	}

	legs := []Transfer{
		{Asset: AssetSettlement, From: s.custodyAddr, To: recipient, Amount: next.SettlementAmount},
		{Asset: AssetNative, From: s.custodyAddr, To: recipient, Amount: next.PayerFee},
	}
	if err := s.settle(ctx, next.ID, legs...); err != nil {
		restoreCtx := context.WithoutCancel(ctx)
		rerr := retry.Do(restoreCtx, 3, 50*time.Millisecond, func() error {
			return s.store.Update(restoreCtx, prev)
		})
		if rerr != nil {
			s.logger.Error("CRITICAL: custody release failed and request state could not be restored",
				"requestId", next.ID, "status", next.Status, "restoreTo", prev.Status,
				"releaseError", err, "restoreError", rerr)
		}
		return ErrPayoutFailed.wrap(err)
	}
	return nil
}

// settle flags id as transferring for the duration of the custody call.
// Zero-amount legs are dropped.
func (s *Service) settle(ctx context.Context, id uint64, legs ...Transfer) error {
	batch := make([]Transfer, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount != nil && leg.Amount.Sign() > 0 {
			batch = append(batch, leg)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	s.transferring.Store(id, struct{}{})
	defer s.transferring.Delete(id)
	return s.custody.Settle(ctx, reference(id), batch...)
}

func reverseLegs(legs []Transfer) []Transfer {
	out := make([]Transfer, len(legs))
	for i, leg := range legs {
		out[len(legs)-1-i] = Transfer{Asset: leg.Asset, From: leg.To, To: leg.From, Amount: leg.Amount}
	}
	return out
}
