package escrow

import (
	"context"
	"time"

	"github.com/mbd888/upiramp/internal/units"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "request.created"
	EventCommitted EventType = "request.committed"
	EventFulfilled EventType = "request.fulfilled"
	EventCancelled EventType = "request.cancelled"
	EventExpired   EventType = "request.expired"
)

// Event is emitted after a transition has been persisted and its custody
// movement has completed. Amounts are decimal strings in whole asset units.
type Event struct {
	Type             EventType  `json:"type"`
	RequestID        uint64     `json:"requestId"`
	Actor            string     `json:"actor"`
	Requester        string     `json:"requester,omitempty"`
	Payer            string     `json:"payer,omitempty"`
	EvictedPayer     string     `json:"evictedPayer,omitempty"`
	FiatAmount       uint64     `json:"fiatAmount,omitempty"`
	SettlementAmount string     `json:"settlementAmount,omitempty"`
	PayerFee         string     `json:"payerFee,omitempty"`
	RefundedTo       string     `json:"refundedTo,omitempty"`
	ProofToken       string     `json:"proofToken,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	CommitmentExpiry *time.Time `json:"commitmentExpiry,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Notifier receives transition events. Notify must not block for long and
// must not call back into the Service for the same request synchronously.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Notifiers fans an event out to several sinks in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		n.Notify(ctx, ev)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

func (s *Service) emit(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	s.notifier.Notify(ctx, *ev)
}

func createdEvent(r *PaymentRequest) *Event {
	exp := r.ExpiresAt
	return &Event{
		Type:             EventCreated,
		RequestID:        r.ID,
		Actor:            r.Requester,
		Requester:        r.Requester,
		FiatAmount:       r.FiatAmount,
		SettlementAmount: units.FormatSettlement(r.SettlementAmount),
		PayerFee:         units.FormatNative(r.PayerFee),
		ExpiresAt:        &exp,
		Timestamp:        r.CreatedAt,
	}
}

func committedEvent(r *PaymentRequest, evicted string) *Event {
	until := r.CommitmentExpiry()
	return &Event{
		Type:             EventCommitted,
		RequestID:        r.ID,
		Actor:            r.Payer,
		Requester:        r.Requester,
		Payer:            r.Payer,
		EvictedPayer:     evicted,
		CommitmentExpiry: &until,
		Timestamp:        *r.CommittedAt,
	}
}

func fulfilledEvent(r *PaymentRequest, now time.Time) *Event {
	return &Event{
		Type:             EventFulfilled,
		RequestID:        r.ID,
		Actor:            r.Payer,
		Requester:        r.Requester,
		Payer:            r.Payer,
		SettlementAmount: units.FormatSettlement(r.SettlementAmount),
		PayerFee:         units.FormatNative(r.PayerFee),
		ProofToken:       r.ProofToken,
		Timestamp:        now,
	}
}

func refundedEvent(t EventType, r *PaymentRequest, actor string, now time.Time) *Event {
	return &Event{
		Type:             t,
		RequestID:        r.ID,
		Actor:            actor,
		Requester:        r.Requester,
		Payer:            r.Payer,
		SettlementAmount: units.FormatSettlement(r.SettlementAmount),
		PayerFee:         units.FormatNative(r.PayerFee),
		RefundedTo:       r.Requester,
		Timestamp:        now,
	}
}
