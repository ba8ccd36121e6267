// Package webhooks delivers request lifecycle events to external services.
//
// A requester or payer registers a URL for some or all escrow event types.
// Every delivery carries the event as JSON and an HMAC-SHA256 signature of
// the body keyed with the subscription secret.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/upiramp/internal/escrow"
)

// Errors
var (
	ErrNotFound      = errors.New("webhook not found")
	ErrInvalidURL    = errors.New("webhook URL must be an absolute http(s) URL on a public host")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrLimitExceeded = errors.New("too many webhooks for this address")
)

const (
	// MaxPerOwner caps subscriptions per address.
	MaxPerOwner = 10
	// MaxURLLength caps a subscription URL.
	MaxURLLength = 2048
	// MaxErrorLength caps the stored last delivery error.
	MaxErrorLength = 512
)

// EventTypes lists the events a subscription may name.
var EventTypes = []escrow.EventType{
	escrow.EventCreated,
	escrow.EventCommitted,
	escrow.EventFulfilled,
	escrow.EventCancelled,
	escrow.EventExpired,
}

// ParseEvents validates names against EventTypes. An empty list means all.
func ParseEvents(names []string) ([]escrow.EventType, error) {
	if len(names) == 0 {
		return append([]escrow.EventType(nil), EventTypes...), nil
	}
	out := make([]escrow.EventType, 0, len(names))
	seen := make(map[escrow.EventType]bool, len(names))
	for _, n := range names {
		et := escrow.EventType(n)
		known := false
		for _, k := range EventTypes {
			if k == et {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, n)
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	return out, nil
}

// Subscription is one registered endpoint.
type Subscription struct {
	ID                  string             `json:"id"`
	Owner               string             `json:"owner"`
	URL                 string             `json:"url"`
	Secret              string             `json:"-"`
	Events              []escrow.EventType `json:"events"`
	Active              bool               `json:"active"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastSuccess         *time.Time         `json:"lastSuccess,omitempty"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t escrow.EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	// Delete removes a subscription owned by owner. ErrNotFound otherwise.
	Delete(ctx context.Context, id, owner string) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure counts a failed delivery and deactivates the subscription
	// once disableAfter consecutive failures accumulate. It reports whether
	// the subscription is still active.
	RecordFailure(ctx context.Context, id, msg string, disableAfter int) (bool, error)
}

// ValidateURL rejects non-http(s) URLs and hosts naming loopback, private or
// link-local addresses, either as IP literals or well-known local names.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrInvalidURL
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return ErrInvalidURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
			return ErrInvalidURL
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = append([]escrow.EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.Owner != owner {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, msg string, disableAfter int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if disableAfter > 0 && sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
	}
	return sub.Active, nil
}
