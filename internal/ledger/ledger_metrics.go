package ledger

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upiramp",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upiramp",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// SettlementsTotal counts custody batches by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upiramp",
			Name:      "ledger_settlements_total",
			Help:      "Custody settlement batches by result (ok, insufficient, rejected, error).",
		},
		[]string{"result"},
	)

	// VolumeTotal sums moved value per asset in whole units.
	VolumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upiramp",
			Name:      "ledger_volume_total",
			Help:      "Value moved between addresses, in whole asset units.",
		},
		[]string{"asset"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		SettlementsTotal,
		VolumeTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeVolume(asset Asset, amount *big.Int) {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals())), nil))
	v, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	VolumeTotal.WithLabelValues(string(asset)).Add(v)
}
