package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/upiramp/internal/escrow"
	"github.com/mbd888/upiramp/internal/idgen"
	"github.com/mbd888/upiramp/internal/retry"
	"github.com/mbd888/upiramp/internal/validation"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Upiramp-Event"
	HeaderDelivery  = "X-Upiramp-Delivery"
	HeaderTimestamp = "X-Upiramp-Timestamp"
	HeaderSignature = "X-Upiramp-Signature"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "upiramp",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	deactivatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "upiramp",
		Subsystem: "webhook",
		Name:      "deactivated_total",
		Help:      "Subscriptions switched off after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deactivatedTotal)
}

// Payload is the JSON body of a delivery.
type Payload struct {
	ID        string           `json:"id"`
	Type      escrow.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      escrow.Event     `json:"data"`
}

// Dispatcher fans escrow events out to the subscriptions of the parties
// involved. It implements escrow.Notifier; deliveries run in the background
// so Notify never waits on a remote endpoint.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger

	urlValidator func(string) error
	maxAttempts  int
	baseDelay    time.Duration
	disableAfter int
	now          func() time.Time

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetry sets the attempts per delivery and the first backoff.
func WithRetry(attempts int, base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxAttempts = attempts
		d.baseDelay = base
	}
}

// WithDisableAfter sets how many consecutive failed deliveries switch a
// subscription off. Zero never disables.
func WithDisableAfter(n int) DispatcherOption {
	return func(d *Dispatcher) { d.disableAfter = n }
}

// WithURLValidator replaces ValidateURL, e.g. to reach loopback endpoints
// in tests.
func WithURLValidator(fn func(string) error) DispatcherOption {
	return func(d *Dispatcher) { d.urlValidator = fn }
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		urlValidator: ValidateURL,
		maxAttempts:  3,
		baseDelay:    500 * time.Millisecond,
		disableAfter: 20,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateURL applies the dispatcher's URL policy.
func (d *Dispatcher) ValidateURL(raw string) error {
	return d.urlValidator(raw)
}

// Notify implements escrow.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, ev escrow.Event) {
	payload := &Payload{
		ID:        idgen.WithPrefix("evt_"),
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload encoding failed", "event", ev.Type, "request", ev.RequestID, "error", err)
		return
	}

	// Deliveries outlive the HTTP request that caused the transition.
	base := context.WithoutCancel(ctx)
	for _, owner := range parties(ev) {
		subs, err := d.store.ListByOwner(base, owner)
		if err != nil {
			d.logger.Warn("webhook lookup failed", "owner", owner, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Active || !sub.Wants(ev.Type) {
				continue
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.deliver(base, sub, payload, body)
			}()
		}
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func parties(ev escrow.Event) []string {
	var out []string
	for _, a := range []string{ev.Requester, ev.Payer, ev.EvictedPayer} {
		if a == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == a {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, p *Payload, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	err := retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		return d.post(ctx, sub, p, body)
	})
	if err == nil {
		deliveriesTotal.WithLabelValues(string(p.Type), "success").Inc()
		if rerr := d.store.RecordSuccess(ctx, sub.ID, d.now()); rerr != nil {
			d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", rerr)
		}
		return
	}

	deliveriesTotal.WithLabelValues(string(p.Type), "failure").Inc()
	d.logger.Warn("webhook delivery failed",
		"webhook", sub.ID,
		"owner", sub.Owner,
		"event", p.Type,
		"request", p.Data.RequestID,
		"error", err,
	)
	active, rerr := d.store.RecordFailure(ctx, sub.ID, validation.SanitizeString(err.Error(), MaxErrorLength), d.disableAfter)
	if rerr != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", rerr)
		return
	}
	if !active && sub.Active {
		deactivatedTotal.Inc()
		d.logger.Warn("webhook deactivated after repeated failures", "webhook", sub.ID, "owner", sub.Owner)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, p *Payload, body []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(p.Type))
	req.Header.Set(HeaderDelivery, p.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return retry.Permanent(err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload keyed with secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

var _ escrow.Notifier = (*Dispatcher)(nil)
