package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]*big.Int
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

type balanceKey struct {
	asset Asset
	addr  string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*big.Int),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, reference string, legs []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage every touched balance so a failing leg leaves nothing applied.
	staged := make(map[balanceKey]*big.Int)
	get := func(k balanceKey) *big.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		v := new(big.Int)
		if cur, ok := m.balances[k]; ok {
			v.Set(cur)
		}
		staged[k] = v
		return v
	}

	for _, leg := range legs {
		from := get(balanceKey{leg.Asset, leg.From})
		if from.Cmp(leg.Amount) < 0 {
			return ErrInsufficientBalance
		}
		from.Sub(from, leg.Amount)
		to := get(balanceKey{leg.Asset, leg.To})
		to.Add(to, leg.Amount)
	}

	for k, v := range staged {
		m.balances[k] = v
	}
	now := time.Now().UTC()
	for _, leg := range legs {
		amt := leg.Amount.String()
		m.entries = append(m.entries,
			&Entry{ID: uuid.NewString(), Address: leg.From, Asset: leg.Asset, Type: "debit", Amount: amt, Counterparty: leg.To, Reference: reference, CreatedAt: now},
			&Entry{ID: uuid.NewString(), Address: leg.To, Asset: leg.Asset, Type: "credit", Amount: amt, Counterparty: leg.From, Reference: reference, CreatedAt: now},
		)
	}
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, asset Asset, addr string, amount *big.Int, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[txHash] {
		return ErrDuplicateDeposit
	}
	m.deposits[txHash] = true

	k := balanceKey{asset, addr}
	bal, ok := m.balances[k]
	if !ok {
		bal = new(big.Int)
		m.balances[k] = bal
	}
	bal.Add(bal, amount)

	m.entries = append(m.entries, &Entry{
		ID:        uuid.NewString(),
		Address:   addr,
		Asset:     asset,
		Type:      "deposit",
		Amount:    amount.String(),
		TxHash:    txHash,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, asset Asset, addr string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey{asset, addr}]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Address == addr {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
