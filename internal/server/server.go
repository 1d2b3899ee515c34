// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/dealsafe/internal/audit"
	"github.com/mbd888/dealsafe/internal/auth"
	"github.com/mbd888/dealsafe/internal/config"
	"github.com/mbd888/dealsafe/internal/dispute"
	"github.com/mbd888/dealsafe/internal/escrow"
	"github.com/mbd888/dealsafe/internal/gateway"
	"github.com/mbd888/dealsafe/internal/health"
	"github.com/mbd888/dealsafe/internal/kyc"
	"github.com/mbd888/dealsafe/internal/logging"
	"github.com/mbd888/dealsafe/internal/metrics"
	"github.com/mbd888/dealsafe/internal/notify"
	"github.com/mbd888/dealsafe/internal/order"
	"github.com/mbd888/dealsafe/internal/ratelimit"
	"github.com/mbd888/dealsafe/internal/security"
	"github.com/mbd888/dealsafe/internal/traces"
	"github.com/mbd888/dealsafe/internal/validation"
	"github.com/mbd888/dealsafe/internal/wallet"
)

// payoutStaleAfter is how long a pending payout may sit without a
// gateway ID before the reconciler reverts it.
const payoutStaleAfter = time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	walletSvc   *wallet.Service
	walletStore wallet.Store
	orderSvc    *order.Service
	escrowSvc   *escrow.Service
	gatewaySvc  *gateway.Service
	authMgr     *auth.Manager
	tiers       kyc.TierService
	auditLog    audit.Logger
	emitter     *notify.Emitter

	// gatewayOverride, when set via WithGateway, replaces the Stripe
	// gateway so tests can exercise withdrawal flows offline.
	gatewayOverride gateway.Gateway

	sweeper     *escrow.Sweeper
	reconciler  *gateway.Reconciler
	rateLimiter *ratelimit.Limiter

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	healthReg     *health.Registry
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gatewayOverride = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set logger/gateway)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tiers := kyc.NewStaticService(kyc.Limits{
		Tier1: cfg.Tier1Limit,
		Tier2: cfg.Tier2Limit,
		Tier3: cfg.Tier3Limit,
	})
	s.tiers = tiers

	// Outbound notification webhook. The URL is operator-supplied, so
	// run it through the SSRF check before trusting it.
	notifyURL := cfg.NotifyWebhookURL
	if notifyURL != "" {
		if err := security.ValidateEndpointURL(notifyURL); err != nil {
			s.logger.Warn("notify webhook URL rejected, notifications disabled", "error", err)
			notifyURL = ""
		}
	}
	s.emitter = notify.NewEmitter(notifyURL, s.logger)

	escrowCfg := escrow.Config{
		FeePercent:          cfg.PlatformFeePercent,
		AutoCompleteAfter:   time.Duration(cfg.AutoCompleteDays) * 24 * time.Hour,
		DisputeReviewAfter:  time.Duration(cfg.DisputeReviewDays) * 24 * time.Hour,
		AllowBuyerCancel:    cfg.AllowBuyerCancel,
		AllowSellerCancel:   cfg.AllowSellerCancel,
		RequireMutualCancel: cfg.RequireMutualCancel,
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore  wallet.Store
		orderStore   order.Store
		disputeStore dispute.Store
		escrowStore  escrow.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		s.auditLog = audit.NewPostgresLogger(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		wStore := wallet.NewMemoryStore()
		oStore := order.NewMemoryStore()
		dStore := dispute.NewMemoryStore()
		walletStore = wStore
		orderStore = oStore
		disputeStore = dStore
		escrowStore = escrow.NewMemoryStore(wStore, oStore, dStore)
		s.auditLog = audit.NewMemoryLogger()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.walletSvc = wallet.NewService(walletStore, s.auditLog, s.logger)
	s.orderSvc = order.NewService(orderStore, s.tiers, cfg.MinOrderAmount, cfg.MaxOrderAmount, s.logger)
	s.escrowSvc = escrow.NewService(escrowStore, disputeStore, s.tiers, escrowCfg, s.auditLog, s.emitter, s.logger)
	s.sweeper = escrow.NewSweeper(s.escrowSvc, orderStore, escrowCfg.AutoCompleteAfter, cfg.SweepInterval, s.logger)

	// Payment gateway (withdrawals + deposit webhook). Without a Stripe
	// key the marketplace still works; deposits go through the admin
	// endpoint and withdrawals are unavailable.
	gw := s.gatewayOverride
	if gw == nil && cfg.StripeSecretKey != "" {
		gw = gateway.NewStripeGateway(cfg.StripeSecretKey)
	}
	if gw != nil {
		s.gatewaySvc = gateway.NewService(walletStore, gw, s.auditLog, s.logger, cfg.MinWithdrawAmount)
		s.reconciler = gateway.NewReconciler(walletStore, gw, cfg.ReconcileInterval, payoutStaleAfter, s.logger)
		s.logger.Info("payment gateway enabled")
	} else {
		s.logger.Info("payment gateway disabled (no STRIPE_SECRET_KEY set)")
	}
	s.walletStore = walletStore

	// Tracing (no-op when OTLP endpoint is unset)
	shutdownTrace, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTrace = shutdownTrace

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
		if burst := s.cfg.RateLimitRPM / 6; burst > rlCfg.BurstSize {
			rlCfg.BurstSize = burst
		}
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context, for both the app logger and the audit trail
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// Gateway deposit webhook (Stripe-signed, no API key auth)
	if s.gatewaySvc != nil && s.cfg.GatewayWebhookSecret != "" {
		wh := gateway.NewWebhookHandler(s.walletStore, s.cfg.GatewayWebhookSecret, s.logger)
		wh.RegisterRoutes(s.router.Group(""))
	}

	orderHandler := order.NewHandler(s.orderSvc, s.logger)
	walletHandler := wallet.NewHandler(s.walletSvc, s.logger)
	escrowHandler := escrow.NewHandler(s.escrowSvc, s.logger)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate identifier URL params on all v1 routes (no-op when absent)
	v1.Use(validation.IDParamMiddleware("id", "owner", "keyId"))

	// PUBLIC ROUTES (no auth required)
	v1.GET("/orders", orderHandler.ListOrders)
	v1.GET("/orders/:id", orderHandler.GetOrder)
	v1.GET("/auth/info", authHandler.Info)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", s.registerUserWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Listing management and the escrow lifecycle
		protected.POST("/orders", orderHandler.CreateOrder)
		protected.PATCH("/orders/:id/price", orderHandler.UpdatePrice)
		protected.POST("/orders/:id/delist", orderHandler.Delist)
		escrowHandler.RegisterRoutes(protected)

		// Wallet views require ownership — balances and history are private
		protected.GET("/wallets/:owner", auth.RequireOwnership(s.authMgr, "owner"), walletHandler.GetWallet)
		protected.GET("/wallets/:owner/history", auth.RequireOwnership(s.authMgr, "owner"), walletHandler.GetHistory)

		// Withdrawals, when a gateway is configured
		if s.gatewaySvc != nil {
			gwHandler := gateway.NewHandler(s.gatewaySvc, s.logger)
			protected.POST("/wallets/:owner/withdraw", auth.RequireOwnership(s.authMgr, "owner"), gwHandler.Withdraw)
		}

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentUser)
	}

	// ADMIN ROUTES. Disabled entirely unless ADMIN_SECRET is set.
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		walletHandler.RegisterAdminRoutes(admin)
		escrowHandler.RegisterAdminRoutes(admin)
		admin.POST("/admin/users/:id/tier", s.setTierHandler)
		admin.GET("/admin/audit", s.auditQueryHandler)
	}
}

// registerUserWithAPIKey handles POST /v1/users
// Creates the user's wallet and returns their first API key.
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID string `json:"userId" binding:"required"`
		Name   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "userId must be 1-64 chars of letters, digits, '_', '.', '-'",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)

	// Idempotent for the wallet, but each call mints a fresh key, so
	// reject owners that already hold one.
	existing, err := s.authMgr.ListKeys(ctx, req.UserID)
	if err == nil && len(existing) > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "user_exists",
			"message": "This user is already registered",
		})
		return
	}

	if _, err := s.walletSvc.Ensure(ctx, req.UserID); err != nil {
		s.logger.Error("failed to create wallet", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	keyName := req.Name
	if keyName == "" {
		keyName = "Primary key"
	}
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.UserID, keyName)
	if err != nil {
		s.logger.Error("failed to generate API key", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate API key",
		})
		return
	}

	s.logger.Info("user registered", "user", req.UserID, "keyId", keyInfo.ID)

	c.JSON(http.StatusCreated, gin.H{
		"userId":  req.UserID,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// setTierHandler handles POST /v1/admin/users/:id/tier
func (s *Server) setTierHandler(c *gin.Context) {
	var req struct {
		Tier int `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Tier < 1 || req.Tier > 3 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tier must be 1, 2 or 3",
		})
		return
	}

	userID := c.Param("id")
	if err := s.tiers.SetTier(c.Request.Context(), userID, kyc.Tier(req.Tier)); err != nil {
		s.logger.Error("failed to set tier", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to set tier",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"userId": userID, "tier": req.Tier})
}

// auditQueryHandler handles GET /v1/admin/audit
func (s *Server) auditQueryHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC3339"})
			return
		}
		to = t
	}

	entries, err := s.auditLog.Query(c.Request.Context(), c.Query("subject"), from, to, c.Query("operation"), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Audit query failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "DealSafe",
		"description": "Escrow-backed marketplace for peer-to-peer trades",
		"version":     "0.1.0",
		"feePercent":  s.cfg.PlatformFeePercent.String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start auto-completion sweeper
	go s.sweeper.Start(runCtx)

	// Start payout reconciler
	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (sweeper, reconciler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweeper
	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	// Stop payout reconciler
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
