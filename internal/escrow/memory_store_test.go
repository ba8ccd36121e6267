package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func newRecord(id uint64, requester string, created time.Time) *PaymentRequest {
	return &PaymentRequest{
		ID:               id,
		Requester:        requester,
		FiatAmount:       500,
		SettlementAmount: big.NewInt(5_000_000),
		PayerFee:         big.NewInt(0),
		Status:           StatusPending,
		CreatedAt:        created,
		ExpiresAt:        created.Add(RequestLifetime),
	}
}

func TestMemoryStore_InsertGetExists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := s.Exists(ctx, 1); ok {
		t.Fatal("empty store reports a record")
	}
	if _, err := s.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: %v", err)
	}

	if err := s.Insert(ctx, newRecord(1, requester, t0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, newRecord(1, requester, t0)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate insert: %v", err)
	}

	if ok, _ := s.Exists(ctx, 1); !ok {
		t.Error("inserted record not found")
	}
	r, err := s.Get(ctx, 1)
	if err != nil || r.Requester != requester {
		t.Fatalf("Get: %+v %v", r, err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("count = %d", n)
	}
	if next, _ := s.NextID(ctx); next != 2 {
		t.Errorf("next id = %d", next)
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Update(context.Background(), newRecord(9, requester, t0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Isolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := newRecord(1, requester, t0)
	_ = s.Insert(ctx, r)

	r.Status = StatusCancelled
	r.SettlementAmount.SetInt64(1)

	got, _ := s.Get(ctx, 1)
	if got.Status != StatusPending || got.SettlementAmount.Int64() != 5_000_000 {
		t.Errorf("caller mutation leaked into the store: %+v", got)
	}
}

func TestMemoryStore_PayerIndexAppendsOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Insert(ctx, newRecord(1, requester, t0))
	_ = s.Insert(ctx, newRecord(2, requester, t0))

	for _, id := range []uint64{1, 2, 1} {
		r, _ := s.Get(ctx, id)
		r.Payer = payerX
		r.Status = StatusCommitted
		at := t0
		r.CommittedAt = &at
		if err := s.Update(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	held, _ := s.ListByPayer(ctx, payerX)
	sameIDs(t, "payer index", held, 1, 2)

	// A later payer does not remove the earlier one's entry.
	r, _ := s.Get(ctx, 1)
	r.Payer = payerY
	_ = s.Update(ctx, r)
	held, _ = s.ListByPayer(ctx, payerX)
	sameIDs(t, "payer index after takeover", held, 1, 2)
	held, _ = s.ListByPayer(ctx, payerY)
	sameIDs(t, "new payer", held, 1)
}

func TestMemoryStore_ListByStatusAndRequester(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	other := "0x00000000000000000000000000000000000000a2"

	_ = s.Insert(ctx, newRecord(1, requester, t0))
	_ = s.Insert(ctx, newRecord(2, other, t0))
	_ = s.Insert(ctx, newRecord(3, requester, t0))

	r, _ := s.Get(ctx, 2)
	r.Status = StatusExpired
	_ = s.Update(ctx, r)

	pending, _ := s.ListByStatus(ctx, StatusPending)
	sameIDs(t, "pending", pending, 1, 3)
	all, _ := s.ListByStatus(ctx)
	sameIDs(t, "all", all, 1, 2, 3)
	mixed, _ := s.ListByStatus(ctx, StatusExpired, StatusPending)
	sameIDs(t, "mixed", mixed, 1, 2, 3)

	mine, _ := s.ListByRequester(ctx, requester)
	sameIDs(t, "requester", mine, 1, 3)
	theirs, _ := s.ListByRequester(ctx, other)
	sameIDs(t, "other", theirs, 2)
}

func TestMemoryStore_ListExpirable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := uint64(1); i <= 4; i++ {
		_ = s.Insert(ctx, newRecord(i, requester, t0.Add(time.Duration(i)*time.Hour)))
	}
	r, _ := s.Get(ctx, 1)
	r.Status = StatusFulfilled
	_ = s.Update(ctx, r)

	cutoff := t0.Add(RequestLifetime + 3*time.Hour + time.Second)
	due, _ := s.ListExpirable(ctx, cutoff, 0)
	sameIDs(t, "due", due, 2, 3)

	limited, _ := s.ListExpirable(ctx, cutoff, 1)
	sameIDs(t, "limited", limited, 2)

	// expiresAt equal to the cutoff is not yet due.
	exact, _ := s.ListExpirable(ctx, t0.Add(RequestLifetime+2*time.Hour), 0)
	sameIDs(t, "exact", exact)
}
