package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/reconciliation"
)

// ExpirySweeper runs one expiry pass on demand.
type ExpirySweeper interface {
	Sweep(ctx context.Context) int
}

// StatsSource reports runtime counters, e.g. the realtime hub.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Reconciler checks custody against open requests.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper    ExpirySweeper
	realtime   StatsSource
	reconciler Reconciler
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithSweeper sets the expiry sweeper used by the force-sweep route.
func (h *Handler) WithSweeper(s ExpirySweeper) *Handler {
	h.sweeper = s
	return h
}

// WithRealtime sets the realtime hub whose counters are exposed.
func (h *Handler) WithRealtime(s StatsSource) *Handler {
	h.realtime = s
	return h
}

// WithReconciler sets the custody reconciler.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. Callers mount them behind RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/requests/sweep-expired", h.sweepExpired)
	r.GET("/admin/realtime/stats", h.realtimeStats)
	r.GET("/admin/reconciliation", h.reconcile)
}

// sweepExpired expires every due request now instead of waiting for the next tick.
func (h *Handler) sweepExpired(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": h.sweeper.Sweep(c.Request.Context())})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not configured"})
		return
	}
	c.JSON(http.StatusOK, h.realtime.Stats())
}

// reconcile runs a custody check now and returns its report.
func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}
	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Failed to reconcile custody balances",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}
