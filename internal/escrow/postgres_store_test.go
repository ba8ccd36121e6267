//go:build integration

package escrow

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/upiramp/internal/testutil"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_InsertGet(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	next, err := s.NextID(ctx)
	if err != nil || next != 1 {
		t.Fatalf("NextID on empty table: %d %v", next, err)
	}

	r := newRecord(1, requester, t0)
	r.SettlementAmount = mustBig("123456789012345678901234567890")
	r.PayerFee = mustBig("99000000000000000")
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, r); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate insert: %v", err)
	}

	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SettlementAmount.Cmp(r.SettlementAmount) != 0 || got.PayerFee.Cmp(r.PayerFee) != 0 {
		t.Errorf("amounts did not round-trip: %s %s", got.SettlementAmount, got.PayerFee)
	}
	if got.Status != StatusPending || got.Payer != "" || got.CommittedAt != nil {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.ExpiresAt.Equal(r.ExpiresAt) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, r.ExpiresAt)
	}

	if _, err := s.Get(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record: %v", err)
	}
	if ok, _ := s.Exists(ctx, 1); !ok {
		t.Error("Exists(1) = false")
	}
	if next, _ := s.NextID(ctx); next != 2 {
		t.Errorf("NextID = %d", next)
	}
}

func TestPostgresStore_FiatAmountFullRange(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	r := newRecord(1, requester, t0)
	r.FiatAmount = math.MaxUint64
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert with max fiat amount: %v", err)
	}
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FiatAmount != math.MaxUint64 {
		t.Errorf("fiat amount = %d, want %d", got.FiatAmount, uint64(math.MaxUint64))
	}
}

func TestPostgresStore_UpdateAndPayerIndex(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	_ = s.Insert(ctx, newRecord(1, requester, t0))
	_ = s.Insert(ctx, newRecord(2, requester, t0))

	at := t0.Add(time.Minute)
	r, _ := s.Get(ctx, 1)
	r.Payer, r.Status, r.CommittedAt = payerX, StatusCommitted, &at
	if err := s.Update(ctx, r); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Re-committing must not duplicate the index row.
	if err := s.Update(ctx, r); err != nil {
		t.Fatalf("second Update: %v", err)
	}

	r.Payer = payerY
	_ = s.Update(ctx, r)

	held, _ := s.ListByPayer(ctx, payerX)
	sameIDs(t, "payerX", held, 1)
	held, _ = s.ListByPayer(ctx, payerY)
	sameIDs(t, "payerY", held, 1)

	got, _ := s.Get(ctx, 1)
	if got.CommittedAt == nil || !got.CommittedAt.Equal(at) {
		t.Errorf("committedAt = %v", got.CommittedAt)
	}

	missing := newRecord(42, requester, t0)
	if err := s.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestPostgresStore_Listings(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()
	other := "0x00000000000000000000000000000000000000a2"

	for i := uint64(1); i <= 4; i++ {
		who := requester
		if i%2 == 0 {
			who = other
		}
		_ = s.Insert(ctx, newRecord(i, who, t0.Add(time.Duration(i)*time.Hour)))
	}
	r, _ := s.Get(ctx, 3)
	r.Status = StatusCancelled
	_ = s.Update(ctx, r)

	pending, _ := s.ListByStatus(ctx, StatusPending)
	sameIDs(t, "pending", pending, 1, 2, 4)
	all, _ := s.ListByStatus(ctx)
	sameIDs(t, "all", all, 1, 2, 3, 4)

	mine, _ := s.ListByRequester(ctx, requester)
	sameIDs(t, "requester", mine, 1, 3)

	cutoff := t0.Add(RequestLifetime + 2*time.Hour + time.Second)
	due, _ := s.ListExpirable(ctx, cutoff, 100)
	sameIDs(t, "expirable", due, 1, 2)
	due, _ = s.ListExpirable(ctx, cutoff, 0)
	sameIDs(t, "expirable unlimited", due, 1, 2)

	if n, _ := s.Count(ctx); n != 4 {
		t.Errorf("count = %d", n)
	}
}

func TestPostgresStore_ServiceRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	c := newMockCustody()
	c.fund(AssetSettlement, requester, big.NewInt(1_000_000_000))
	c.fund(AssetNative, requester, mustBig("1000000000000000000"))
	clock := &fakeClock{now: t0}

	svc, err := NewService(store, c, Config{FeeRecipient: owner, CustodyAddr: custody},
		WithClock(clock.Now), WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	r, err := svc.Create(ctx, requester, 1000, settlement100, fee01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Commit(ctx, payerX, r.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := svc.Fulfill(ctx, payerX, r.ID, "123456789012"); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}

	got, _ := store.Get(ctx, r.ID)
	if got.Status != StatusFulfilled || got.ProofToken != "123456789012" {
		t.Errorf("unexpected stored record %+v", got)
	}
	expectBalance(t, c, AssetSettlement, payerX, settlement100)
}
