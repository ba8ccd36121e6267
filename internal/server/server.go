// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/upiramp/internal/admin"
	"github.com/mbd888/upiramp/internal/auth"
	"github.com/mbd888/upiramp/internal/circuitbreaker"
	"github.com/mbd888/upiramp/internal/config"
	"github.com/mbd888/upiramp/internal/escrow"
	"github.com/mbd888/upiramp/internal/health"
	"github.com/mbd888/upiramp/internal/ledger"
	"github.com/mbd888/upiramp/internal/logging"
	"github.com/mbd888/upiramp/internal/metrics"
	"github.com/mbd888/upiramp/internal/ratelimit"
	"github.com/mbd888/upiramp/internal/realtime"
	"github.com/mbd888/upiramp/internal/receipts"
	"github.com/mbd888/upiramp/internal/reconciliation"
	"github.com/mbd888/upiramp/internal/security"
	"github.com/mbd888/upiramp/internal/syncutil"
	"github.com/mbd888/upiramp/internal/traces"
	"github.com/mbd888/upiramp/internal/validation"
	"github.com/mbd888/upiramp/internal/watcher"
	"github.com/mbd888/upiramp/internal/webhooks"
	"github.com/mbd888/upiramp/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if using in-process locks
	ledger        *ledger.Ledger
	authMgr       *auth.Manager
	escrowStore   escrow.Store
	escrowService *escrow.Service
	sweeper       *escrow.Sweeper
	reconciler    *reconciliation.Service
	reconcileTick *reconciliation.Timer // nil when RECONCILE_INTERVAL is 0
	chain         *ethclient.Client     // nil without CHAIN_RPC_URL
	depositWatch  *watcher.Watcher
	realtimeHub   *realtime.Hub
	webhookStore  webhooks.Store
	receiptStore  receipts.Store
	receiptSvc    *receipts.Service
	hooks         *webhooks.Dispatcher
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger

	escrowOpts      []escrow.Option
	webhookOpts     []webhooks.DispatcherOption
	drainDelay      time.Duration
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEscrowOptions passes extra options to the engine (tests use a fixed clock).
func WithEscrowOptions(opts ...escrow.Option) Option {
	return func(s *Server) {
		s.escrowOpts = append(s.escrowOpts, opts...)
	}
}

// WithWebhookOptions configures webhook delivery.
func WithWebhookOptions(opts ...webhooks.DispatcherOption) Option {
	return func(s *Server) {
		s.webhookOpts = append(s.webhookOpts, opts...)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	platformFee, err := cfg.PlatformFeeWei()
	if err != nil {
		return nil, fmt.Errorf("invalid platform fee: %w", err)
	}

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var ledgerStore ledger.Store
	var authStore auth.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		if err := metrics.RegisterDBStats(db); err != nil {
			s.logger.Warn("failed to register database metrics", "error", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.receiptStore = receipts.NewPostgresStore(db)
		s.health.Register("database", health.DB(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.receiptStore = receipts.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Request locks: shared through Redis when several processes use one database
	engineOpts := []escrow.Option{escrow.WithLogger(s.logger)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		engineOpts = append(engineOpts, escrow.WithLocker(syncutil.NewRedisLocker(client)))
		s.health.Register("redis", health.Redis(client))
		s.logger.Info("using redis request locks", "addr", redisOpts.Addr)
	}

	s.ledger = ledger.New(ledgerStore, cfg.SettlementAsset)
	s.authMgr = auth.NewManager(authStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.hooks = webhooks.NewDispatcher(s.webhookStore, s.logger, s.webhookOpts...)

	s.receiptSvc = receipts.NewService(s.receiptStore, receipts.NewSigner(cfg.ReceiptSecret), cfg.CustodyAddress, s.logger)
	if !s.receiptSvc.Enabled() {
		s.logger.Warn("RECEIPT_SECRET not set, settlement receipts disabled")
	}

	engineOpts = append(engineOpts, escrow.WithNotifier(escrow.Notifiers{s.receiptSvc, s.realtimeHub, s.hooks}))
	engineOpts = append(engineOpts, s.escrowOpts...)
	s.escrowService, err = escrow.NewService(s.escrowStore, newCustodyAdapter(s.ledger, s.logger), escrow.Config{
		FeeRecipient: cfg.OwnerAddress,
		CustodyAddr:  cfg.CustodyAddress,
		PlatformFee:  platformFee,
	}, engineOpts...)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to create escrow engine: %w", err)
	}
	s.sweeper = escrow.NewSweeper(s.escrowService, s.escrowStore, cfg.SweepInterval, s.logger).
		OnSweep(func(n int) { metrics.ExpirySweepsTotal.Add(float64(n)) })

	s.reconciler = reconciliation.NewService(s.escrowService, s.ledger, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTick = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	if cfg.ChainRPCURL != "" {
		client, err := watcher.Dial(ctx, cfg.ChainRPCURL)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.chain = client
		s.depositWatch = watcher.New(client, watcher.Config{
			TokenContract:  common.HexToAddress(cfg.TokenContract),
			DepositAddress: common.HexToAddress(cfg.DepositAddress),
			StartBlock:     uint64(cfg.DepositStartBlock),
			Confirmations:  uint64(cfg.DepositConfirmations),
		}, s.ledger, s.logger)
		s.health.Register("chain", health.Func("chain", s.depositWatch.Healthy, "deposit poll failing"))
		s.logger.Info("watching on-chain deposits", "token", cfg.TokenContract, "deposit", cfg.DepositAddress)
	}

	s.health.Register("server", health.Func("server", s.ready.Load, "starting or draining"))

	s.logger.Info("escrow engine configured",
		"owner", cfg.OwnerAddress,
		"custody", cfg.CustodyAddress,
		"asset", cfg.SettlementAsset,
		"platformFee", cfg.PlatformFee,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandler(s.escrowService, s.cfg.SettlementAsset)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.hooks)
	receiptHandler := receipts.NewHandler(s.receiptSvc)

	// Public
	escrowHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)
	receiptHandler.RegisterRoutes(v1)

	// API key required; the key's address is the caller
	protected := v1.Group("", auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)

	// Operator routes (X-Admin-Secret)
	adminGroup := v1.Group("", admin.RequireSecret(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithSweeper(s.sweeper).
		WithRealtime(s.realtimeHub).
		WithReconciler(s.reconciler).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until ctx
// is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.reconcileTick != nil {
		go s.reconcileTick.Start(runCtx)
	}
	if s.depositWatch != nil {
		if err := s.depositWatch.Start(runCtx); err != nil {
			s.logger.Error("deposit watcher failed to start", "error", err)
		}
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	if s.reconcileTick != nil {
		s.reconcileTick.Stop()
	}
	if s.depositWatch != nil {
		s.depositWatch.Stop()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.hooks.Wait()
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.chain != nil {
		s.chain.Close()
		s.chain = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// custodyAdapter lets the ledger act as the engine's custody. Ledger backend
// failures trip the breaker; balance and validation errors do not.
type custodyAdapter struct {
	l       *ledger.Ledger
	breaker *circuitbreaker.Breaker // nil disables
}

const custodyBreakerKey = "custody"

func newCustodyAdapter(l *ledger.Ledger, logger *slog.Logger) *custodyAdapter {
	b := circuitbreaker.New(5, 30*time.Second).OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("custody circuit state changed", "key", key, "from", from.String(), "to", to.String())
	})
	return &custodyAdapter{l: l, breaker: b}
}

func (a *custodyAdapter) Settle(ctx context.Context, reference string, legs ...escrow.Transfer) error {
	out := make([]ledger.Transfer, 0, len(legs))
	for _, leg := range legs {
		asset := ledger.AssetSettlement
		if leg.Asset == escrow.AssetNative {
			asset = ledger.AssetNative
		}
		out = append(out, ledger.Transfer{Asset: asset, From: leg.From, To: leg.To, Amount: leg.Amount})
	}
	if a.breaker == nil {
		return a.l.Settle(ctx, reference, out...)
	}
	return a.breaker.Do(custodyBreakerKey, func() error {
		return a.l.Settle(ctx, reference, out...)
	}, isBackendFailure)
}

func isBackendFailure(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
