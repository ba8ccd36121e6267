package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func (m *MemoryStore) Create(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.receipts[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByAddress(_ context.Context, addr string, limit int) ([]*Receipt, error) {
	result := m.collect(func(r *Receipt) bool { return r.Requester == addr || r.Payer == addr })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByRequest(_ context.Context, requestID uint64) ([]*Receipt, error) {
	return m.collect(func(r *Receipt) bool { return r.RequestID == requestID }), nil
}

func (m *MemoryStore) collect(keep func(*Receipt) bool) []*Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Receipt
	for _, r := range m.receipts {
		if keep(r) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IssuedAt.Equal(result[j].IssuedAt) {
			return result[i].RequestID > result[j].RequestID
		}
		return result[i].IssuedAt.After(result[j].IssuedAt)
	})
	return result
}

var _ Store = (*MemoryStore)(nil)
