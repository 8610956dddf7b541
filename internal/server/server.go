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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/stayza/stayza/internal/auth"
	"github.com/stayza/stayza/internal/booking"
	"github.com/stayza/stayza/internal/config"
	"github.com/stayza/stayza/internal/gateway"
	"github.com/stayza/stayza/internal/health"
	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/logging"
	"github.com/stayza/stayza/internal/metrics"
	"github.com/stayza/stayza/internal/money"
	"github.com/stayza/stayza/internal/notify"
	"github.com/stayza/stayza/internal/property"
	"github.com/stayza/stayza/internal/quote"
	"github.com/stayza/stayza/internal/ratelimit"
	"github.com/stayza/stayza/internal/realtime"
	"github.com/stayza/stayza/internal/refund"
	"github.com/stayza/stayza/internal/security"
	"github.com/stayza/stayza/internal/settlement"
	"github.com/stayza/stayza/internal/traces"
	"github.com/stayza/stayza/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	authMgr         *auth.Manager
	ledgerStore     ledger.Store
	bookingStore    booking.Store
	bookingSvc      *booking.Service
	bookingTimer    *booking.Timer
	properties      property.Store
	gatewayClient   gateway.Client
	worker          *settlement.Worker
	settlementTimer *settlement.Timer
	dispatcher      *notify.Dispatcher
	hub             *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	checks          *health.Registry
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	traceShutdown   func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatewayClient sets a custom gateway client (for testing)
func WithGatewayClient(c gateway.Client) Option {
	return func(s *Server) {
		s.gatewayClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var settlementStore settlement.Store
	var notifyStore notify.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		goose.SetLogger(goose.NopLogger())
		if err := goose.SetDialect("postgres"); err == nil {
			if err := goose.Up(db, "migrations"); err != nil {
				s.logger.Warn("migrations not applied at startup, run cmd/migrate", "error", err)
			}
		}

		s.ledgerStore = ledger.NewPostgresStore(db)
		s.bookingStore = booking.NewPostgresStore(db)
		s.properties = property.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.checks.Register("database", health.Database(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.ledgerStore = ledger.NewMemoryStore()
		s.bookingStore = booking.NewMemoryStore(s.ledgerStore)
		s.properties = property.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(cfg.JWTSecret)

	// Payment gateway client
	if s.gatewayClient == nil {
		switch cfg.GatewayProvider {
		case "stripe":
			s.gatewayClient = gateway.NewStripeClient(cfg.GatewaySecretKey)
		default:
			s.gatewayClient = gateway.NewRESTClient(
				cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout, s.logger)
		}
	}
	s.logger.Info("payment gateway configured", "provider", cfg.GatewayProvider)

	// Booking engine
	s.bookingSvc = booking.NewService(
		s.bookingStore, s.ledgerStore, s.properties,
		&trailingVolume{led: s.ledgerStore},
		ratesFromConfig(cfg), refund.NewEngine(refundTiersFromConfig(cfg)),
		s.logger,
	).WithWindows(cfg.GuestDisputeWindow, cfg.RealtorDisputeWindow)

	// Settlement worker consumes gateway events and drives transfers;
	// it also initiates the payouts the booking engine decides.
	s.worker = settlement.NewWorker(
		settlementStore, s.ledgerStore, s.bookingSvc, s.gatewayClient,
		cfg.GatewayProvider, s.logger,
	).WithRetryCap(cfg.TransferRetryCap).WithVerifyTimeout(cfg.VerifyCallTimeout)
	s.bookingSvc.WithPayouts(s.worker)

	// Realtime hub + outbound notifications fan out lifecycle events.
	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(notifyStore)
	fanout := notifierFanout{
		notify.NewEmitter(s.dispatcher, s.logger),
		realtime.NewFeed(s.hub),
	}
	s.bookingSvc.WithNotifier(fanout)
	s.worker.WithNotifier(fanout)

	s.bookingTimer = booking.NewTimer(s.bookingSvc, s.bookingStore, s.logger)
	s.settlementTimer = settlement.NewTimer(s.worker, s.logger)
	s.checks.Register("release_sweeper", health.Timer("release_sweeper", s.bookingTimer))
	s.checks.Register("settlement_sweeper", health.Timer("settlement_sweeper", s.settlementTimer))

	if cfg.IsDevelopment() && cfg.DatabaseURL == "" {
		s.seedDemoCatalog(ctx)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(notifyStore)

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

// seedDemoCatalog loads a property so a fresh dev instance can quote
// bookings without wiring up the listing system first.
func (s *Server) seedDemoCatalog(ctx context.Context) {
	demo := &booking.Property{
		ID:              "prop_0123456789abcdef01234567",
		RealtorID:       "rl_0123456789abcdef01234567",
		NightlyPrice:    money.Amount(50000),
		CleaningFee:     money.Amount(5000),
		SecurityDeposit: money.Amount(20000),
		Currency:        "NGN",
		Active:          true,
	}
	if err := s.properties.Upsert(ctx, demo); err != nil {
		s.logger.Warn("failed to seed demo property", "error", err)
		return
	}
	s.logger.Info("seeded demo property", "propertyId", demo.ID, "realtorId", demo.RealtorID)
}

func ratesFromConfig(cfg *config.Config) quote.Rates {
	tiers := make([]quote.Tier, len(cfg.CommissionTiers))
	for i, t := range cfg.CommissionTiers {
		tiers[i] = quote.Tier{MinVolume: money.Amount(t.MinVolume), ReductionBps: t.ReductionBps}
	}
	return quote.Rates{
		PlatformServiceFeeBps: cfg.PlatformServiceFeeBps,
		ProcessingFeeBps:      cfg.ProcessingFeeBpsByMode,
		DefaultProcessingBps:  cfg.ProcessingFeeBps,
		BaseCommissionBps:     cfg.BaseCommissionBps,
		MinCommissionBps:      cfg.MinCommissionBps,
		Tiers:                 tiers,
	}
}

func refundTiersFromConfig(cfg *config.Config) []refund.Tier {
	tiers := make([]refund.Tier, len(cfg.RefundTiers))
	for i, t := range cfg.RefundTiers {
		tiers[i] = refund.Tier{
			Name:        t.Name,
			MinHours:    t.MinHours,
			CustomerBps: t.CustomerBps,
			RealtorBps:  t.RealtorBps,
			PlatformBps: t.PlatformBps,
		}
	}
	return tiers
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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

func (s *Server) setupRoutes(notifyStore notify.Store) {
	// Health & metrics endpoints
	s.checks.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	// WebSocket feed for operator dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Gateway webhook endpoint. Sits outside the auth middleware: the
	// HMAC signature is the authentication.
	settlementHandler := settlement.NewHandler(s.worker, s.cfg.GatewayWebhookSecret)
	settlementHandler.RegisterRoutes(s.router)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(validation.IDParamMiddleware())

	// Public reads
	propertyHandler := property.NewHandler(s.properties)
	propertyHandler.RegisterRoutes(v1)

	bookingHandler := booking.NewHandler(s.bookingSvc)
	bookingHandler.RegisterQuoteRoutes(v1)

	// Dev-only token minting so the API is usable without the identity
	// service. Production tokens come from there.
	if s.cfg.IsDevelopment() {
		v1.POST("/auth/token", s.devTokenHandler)
	}

	// Authenticated routes
	notifyHandler := notify.NewHandler(notifyStore)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	bookingHandler.RegisterRoutes(protected)
	notifyHandler.RegisterRoutes(protected)

	// Admin routes
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole("admin"))
	bookingHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)
	propertyHandler.RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Stayza",
		"description": "Escrow settlement and dispute-window engine for short-term rentals",
		"version":     "0.1.0",
		"gateway":     s.cfg.GatewayProvider,
	})
}

// devTokenHandler handles POST /v1/auth/token (development only)
func (s *Server) devTokenHandler(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId and role are required",
		})
		return
	}

	token, err := s.authMgr.Issue(req.ActorID, req.Role, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "token_error",
			"message": "Failed to issue token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresIn": "24h",
		"usage":     "Include 'Authorization: Bearer <token>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.bookingTimer.Start(runCtx)
	go s.settlementTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.bookingTimer.Stop()
	s.settlementTimer.Stop()
	s.logger.Info("sweep timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

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

// trailingVolume reads a realtor's trailing calendar-month confirmed
// room-fee volume from the ledger. Only completed room-fee splits earn
// commission reductions; cleaning fees and deposit awards do not.
type trailingVolume struct {
	led ledger.Store
}

var _ booking.VolumeSource = (*trailingVolume)(nil)

func (v *trailingVolume) TrailingVolume(ctx context.Context, realtorID string, at time.Time) (money.Amount, error) {
	return v.led.RoomFeeVolume(ctx, realtorID, at.AddDate(0, -1, 0), at)
}

// notifierFanout delivers each lifecycle event to every sink.
type notifierFanout []booking.Notifier

func (n notifierFanout) Notify(ctx context.Context, event, bookingID string, fields map[string]any) {
	for _, sink := range n {
		sink.Notify(ctx, event, bookingID, fields)
	}
}
