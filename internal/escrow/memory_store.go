package escrow

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory request store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[uint64]*PaymentRequest
	global      []uint64
	byRequester map[string][]uint64
	byPayer     map[string][]uint64
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[uint64]*PaymentRequest),
		byRequester: make(map[string][]uint64),
		byPayer:     make(map[string][]uint64),
	}
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.global)) + 1, nil
}

func (m *MemoryStore) Insert(_ context.Context, r *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; ok {
		return ErrDuplicateID
	}
	m.records[r.ID] = r.clone()
	m.appendToGlobalIndex(r.ID)
	m.appendToUserIndex(r.Requester, r.ID)
	if r.Payer != "" {
		m.appendToPayerIndex(r.Payer, r.ID)
	}
	return nil
}

func (m *MemoryStore) appendToGlobalIndex(id uint64) {
	m.global = append(m.global, id)
}

func (m *MemoryStore) appendToUserIndex(user string, id uint64) {
	m.byRequester[user] = append(m.byRequester[user], id)
}

func (m *MemoryStore) appendToPayerIndex(payer string, id uint64) {
	if !slices.Contains(m.byPayer[payer], id) {
		m.byPayer[payer] = append(m.byPayer[payer], id)
	}
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Exists(_ context.Context, id uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *MemoryStore) Update(_ context.Context, r *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; !ok {
		return ErrNotFound
	}
	m.records[r.ID] = r.clone()
	if r.Payer != "" {
		m.appendToPayerIndex(r.Payer, r.ID)
	}
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.global)), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRequest
	for _, id := range m.global {
		r := m.records[id]
		if len(statuses) == 0 || slices.Contains(statuses, r.Status) {
			result = append(result, r.clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByRequester(_ context.Context, addr string) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byRequester[addr]), nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, addr string) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byPayer[addr]), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, before time.Time, limit int) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRequest
	for _, id := range m.global {
		r := m.records[id]
		if (r.Status == StatusPending || r.Status == StatusCommitted) && r.ExpiresAt.Before(before) {
			result = append(result, r.clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) collect(ids []uint64) []*PaymentRequest {
	result := make([]*PaymentRequest, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.records[id].clone())
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
