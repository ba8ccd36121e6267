package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"
)

const (
	owner     = "0x0000000000000000000000000000000000000a01"
	custody   = "0x0000000000000000000000000000000000000c01"
	requester = "0x00000000000000000000000000000000000000a1"
	payerX    = "0x00000000000000000000000000000000000000b1"
	payerY    = "0x00000000000000000000000000000000000000b2"
	stranger  = "0x00000000000000000000000000000000000000d1"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// mockCustody keeps balances per (asset, address) and applies batches all
// or nothing.
type mockCustody struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	batches  []string // references, in order
	failNext error
	onSettle func(reference string)
}

func newMockCustody() *mockCustody {
	return &mockCustody{balances: make(map[string]*big.Int)}
}

func balanceKey(asset Asset, addr string) string { return string(asset) + "|" + addr }

func (m *mockCustody) fund(asset Asset, addr string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey(asset, addr)
	if m.balances[k] == nil {
		m.balances[k] = new(big.Int)
	}
	m.balances[k].Add(m.balances[k], amount)
}

func (m *mockCustody) balance(asset Asset, addr string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.balances[balanceKey(asset, addr)]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (m *mockCustody) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

var errNoFunds = errors.New("insufficient balance")

func (m *mockCustody) Settle(ctx context.Context, reference string, legs ...Transfer) error {
	if m.onSettle != nil {
		m.onSettle(reference)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	staged := make(map[string]*big.Int)
	get := func(k string) *big.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		v := new(big.Int)
		if cur := m.balances[k]; cur != nil {
			v.Set(cur)
		}
		staged[k] = v
		return v
	}
	for _, leg := range legs {
		from := get(balanceKey(leg.Asset, leg.From))
		if from.Cmp(leg.Amount) < 0 {
			return errNoFunds
		}
		from.Sub(from, leg.Amount)
		to := get(balanceKey(leg.Asset, leg.To))
		to.Add(to, leg.Amount)
	}
	for k, v := range staged {
		m.balances[k] = v
	}
	m.batches = append(m.batches, reference)
	return nil
}

// recorder captures emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	svc     *Service
	store   *MemoryStore
	custody *mockCustody
	clock   *fakeClock
	events  *recorder
}

// Amounts used throughout: settlement 100 units (6 decimals), fee 0.1 native.
var (
	settlement100 = big.NewInt(100_000_000)
	fee01         = mustBig("100000000000000000")
	platformFee   = DefaultPlatformFee
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int " + s)
	}
	return v
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		custody: newMockCustody(),
		clock:   &fakeClock{now: t0},
		events:  &recorder{},
	}
	svc, err := NewService(h.store, h.custody, Config{
		FeeRecipient: owner,
		CustodyAddr:  custody,
	},
		WithClock(h.clock.Now),
		WithNotifier(h.events),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.svc = svc

	h.custody.fund(AssetSettlement, requester, mustBig("1000000000000"))
	h.custody.fund(AssetNative, requester, mustBig("10000000000000000000"))
	return h
}

func (h *harness) create(t *testing.T) *PaymentRequest {
	t.Helper()
	r, err := h.svc.Create(context.Background(), requester, 1000, settlement100, fee01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (h *harness) commit(t *testing.T, caller string, id uint64) *PaymentRequest {
	t.Helper()
	r, err := h.svc.Commit(context.Background(), caller, id)
	if err != nil {
		t.Fatalf("Commit(%s): %v", caller, err)
	}
	return r
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func expectBalance(t *testing.T, c *mockCustody, asset Asset, addr string, want *big.Int) {
	t.Helper()
	if got := c.balance(asset, addr); got.Cmp(want) != 0 {
		t.Fatalf("%s balance of %s = %s, want %s", asset, addr, got, want)
	}
}
