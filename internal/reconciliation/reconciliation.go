// Package reconciliation checks that the custody account covers what open
// payment requests hold.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/upiramp/internal/escrow"
	"github.com/mbd888/upiramp/internal/ledger"
	"github.com/mbd888/upiramp/internal/units"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	custodyDiff = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "upiramp",
		Subsystem: "reconciliation",
		Name:      "custody_diff_base_units",
		Help:      "Custody balance minus amount held for open requests, per asset, from the last run.",
	}, []string{"asset"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "upiramp",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "upiramp",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(custodyDiff, runDuration, runErrors)
}

// HoldingsSource reports what custody owes to open requests.
type HoldingsSource interface {
	HeldInCustody(ctx context.Context) (*escrow.Holdings, error)
	CustodyAddress() string
}

// BalanceSource reads ledger balances.
type BalanceSource interface {
	Balance(ctx context.Context, asset ledger.Asset, addr string) (*big.Int, error)
}

// AssetCheck compares one asset.
type AssetCheck struct {
	Asset   ledger.Asset `json:"asset"`
	Custody string       `json:"custodyBalance"`
	Held    string       `json:"held"`
	Diff    string       `json:"diff"`
	// Deficit means custody cannot pay out every open request.
	Deficit bool `json:"deficit"`
}

// Report is the outcome of one run.
type Report struct {
	CheckedAt    time.Time    `json:"checkedAt"`
	OpenRequests int          `json:"openRequests"`
	Checks       []AssetCheck `json:"checks"`
	Healthy      bool         `json:"healthy"`
}

// Service runs reconciliation checks and remembers the last report.
type Service struct {
	holdings HoldingsSource
	balances BalanceSource
	logger   *slog.Logger
	clock    func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(holdings HoldingsSource, balances BalanceSource, logger *slog.Logger) *Service {
	return &Service{
		holdings: holdings,
		balances: balances,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Run compares custody balances against open-request holdings. A surplus is
// expected briefly while a terminal transition is paying out, and after a
// direct deposit to the custody account; a deficit never is.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	held, err := s.holdings.HeldInCustody(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("sum open requests: %w", err)
	}
	addr := s.holdings.CustodyAddress()

	report := &Report{CheckedAt: s.clock(), OpenRequests: held.OpenRequests, Healthy: true}
	for _, c := range []struct {
		asset ledger.Asset
		held  *big.Int
	}{
		{ledger.AssetSettlement, held.Settlement},
		{ledger.AssetNative, held.PayerFees},
	} {
		bal, err := s.balances.Balance(ctx, c.asset, addr)
		if err != nil {
			runErrors.Inc()
			return nil, fmt.Errorf("custody %s balance: %w", c.asset, err)
		}
		diff := new(big.Int).Sub(bal, c.held)
		decimals := c.asset.Decimals()
		check := AssetCheck{
			Asset:   c.asset,
			Custody: units.Format(bal, decimals),
			Held:    units.Format(c.held, decimals),
			Diff:    units.Format(diff, decimals),
			Deficit: diff.Sign() < 0,
		}
		f, _ := new(big.Float).SetInt(diff).Float64()
		custodyDiff.WithLabelValues(string(c.asset)).Set(f)
		if check.Deficit {
			report.Healthy = false
			s.logger.Error("CRITICAL: custody deficit",
				"asset", c.asset, "custody", check.Custody, "held", check.Held, "diff", check.Diff)
		}
		report.Checks = append(report.Checks, check)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
