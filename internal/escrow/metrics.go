package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts successful lifecycle transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upiramp",
			Name:      "request_transitions_total",
			Help:      "Successful payment request transitions by operation.",
		},
		[]string{"transition"},
	)

	// RejectionsTotal counts failed operations by error code.
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upiramp",
			Name:      "request_rejections_total",
			Help:      "Rejected payment request operations by operation and error code.",
		},
		[]string{"transition", "code"},
	)

	// RequestLifetimeSeconds observes time from creation to a terminal state.
	RequestLifetimeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upiramp",
			Name:      "request_lifetime_seconds",
			Help:      "Time from request creation to its terminal state, by terminal status.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 48 * 3600},
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TransitionsTotal, RejectionsTotal, RequestLifetimeSeconds)
}

func observeTransition(op string, r *PaymentRequest, at time.Time) {
	TransitionsTotal.WithLabelValues(op).Inc()
	if r.Status.IsTerminal() {
		RequestLifetimeSeconds.WithLabelValues(string(r.Status)).Observe(at.Sub(r.CreatedAt).Seconds())
	}
}

func observeFailure(op string, err error) {
	RejectionsTotal.WithLabelValues(op, CodeOf(err)).Inc()
}
