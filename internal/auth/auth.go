// Package auth binds API keys to addresses.
//
// Authentication model:
//   - Reads (requests, ledger, engine parameters): no auth required
//   - Transitions: require an API key; the key's address is the caller
//   - A key is issued to whoever signs the key challenge for an address
//     with that address's private key (EIP-191 personal_sign)
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey         = errors.New("API key required")
	ErrInvalidAPIKey    = errors.New("invalid or revoked API key")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidSignature = errors.New("signature does not match address")
	ErrStaleChallenge   = errors.New("challenge timestamp outside the accepted window")
)

// ChallengeValidity bounds how far a signed challenge timestamp may be from now.
const ChallengeValidity = 5 * time.Minute

// MaxKeyNameLength caps the optional label on an API key.
const MaxKeyNameLength = 64

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 hash of key (stored)
	Address   string     `json:"address"` // The address this key acts as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAddress(ctx context.Context, addr string) ([]*APIKey, error)
	// Revoke marks a key revoked if it belongs to addr. ErrKeyNotFound otherwise.
	Revoke(ctx context.Context, id, addr string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// IssueKey creates a key for addr after checking that signature is addr's
// personal_sign over ChallengeMessage(addr, timestamp). Returns the raw key,
// which is shown once.
func (m *Manager) IssueKey(ctx context.Context, addr, name string, timestamp int64, signature string) (string, *APIKey, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !isAddress(addr) {
		return "", nil, ErrInvalidAddress
	}
	signedAt := time.Unix(timestamp, 0)
	if d := m.now().Sub(signedAt); d > ChallengeValidity || d < -ChallengeValidity {
		return "", nil, ErrStaleChallenge
	}
	if err := VerifySignature(ChallengeMessage(addr, timestamp), signature, addr); err != nil {
		return "", nil, err
	}
	return m.generateKey(ctx, addr, name)
}

func (m *Manager) generateKey(ctx context.Context, addr, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := "sk_" + hex.EncodeToString(b)
	if name == "" {
		name = "default"
	}

	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Address:   addr,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Best effort; a lost touch only skews lastUsed.
	id, at := key.ID, m.now().UTC()
	go func() { _ = m.store.Touch(context.Background(), id, at) }()

	return key, nil
}

// ListKeys returns all keys for an address
func (m *Manager) ListKeys(ctx context.Context, addr string) ([]*APIKey, error) {
	return m.store.ListByAddress(ctx, strings.ToLower(addr))
}

// RevokeKey revokes one of addr's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, addr string) error {
	return m.store.Revoke(ctx, keyID, strings.ToLower(addr))
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByAddress(_ context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Address == addr {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.Address != addr || k.Revoked {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = &at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
