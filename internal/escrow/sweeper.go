package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically expires requests whose lifetime has elapsed, so
// deposits are refunded even when nobody calls Expire.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	onSweep  func(expired int)
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnSweep registers a callback run after every pass that expired at least
// one request. Set it before Start.
func (w *Sweeper) OnSweep(fn func(expired int)) *Sweeper {
	w.onSweep = fn
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. Safe to call more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep runs one pass and returns how many requests it expired.
func (w *Sweeper) Sweep(ctx context.Context) int {
	now := w.service.clock()
	due, err := w.store.ListExpirable(ctx, now, w.batch)
	if err != nil {
		w.logger.Warn("failed to list expirable requests", "error", err)
		return 0
	}

	expired := 0
	for _, r := range due {
		_, err := w.service.Expire(ctx, w.service.FeeRecipient(), r.ID)
		switch {
		case err == nil:
			expired++
			w.logger.Info("expired request",
				"requestId", r.ID,
				"requester", r.Requester,
				"settlementAmount", r.SettlementAmount.String(),
			)
		case errors.Is(err, ErrNotExpirable), errors.Is(err, ErrTransferInProgress):
			// Raced with a user transition; nothing to do.
		default:
			w.logger.Warn("failed to expire request", "requestId", r.ID, "error", err)
		}
	}
	if expired > 0 && w.onSweep != nil {
		w.onSweep(expired)
	}
	return expired
}
