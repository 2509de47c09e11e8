// Package server wires the HTTP API, storage, settlement gateway and
// background workers into one process.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/admin"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/checkout"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/config"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/creator"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/health"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/metrics"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/ratelimit"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/reconciliation"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/security"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/traces"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/migrations"
)

// Server is the API server
type Server struct {
	cfg            *config.Config
	gateway        settlement.Gateway
	escrowStore    escrow.Store
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	creatorService *creator.Service
	reconciler     *reconciliation.Worker
	reconcileTimer *reconciliation.Timer
	admins         *auth.AllowList
	verifier       *auth.Verifier
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB   // nil unless DATABASE_URL is set
	closer         io.Closer // local KV store, if any
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	stopTracing    func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets the settlement gateway (for testing)
func WithGateway(g settlement.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithEscrowStore sets the conversation store (for testing)
func WithEscrowStore(store escrow.Store) Option {
	return func(s *Server) {
		s.escrowStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, "ror-escrow", cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}

	if s.gateway == nil {
		s.gateway = s.newGateway()
	}

	var creatorStore creator.Store = creator.NewMemoryStore()
	if s.db != nil {
		creatorStore = creator.NewPostgresStore(s.db)
	}
	s.creatorService = creator.NewService(creatorStore, s.gateway, cfg.SiteURL, s.logger)

	s.admins = auth.NewAllowList(cfg.AdminWallets)
	s.verifier = auth.NewVerifier(5 * time.Minute)

	hostname, _ := os.Hostname()
	s.escrowService = escrow.NewService(s.escrowStore, s.gateway, s.creatorService, s.logger).
		WithAdmins(s.admins).
		WithLease(cfg.SettleLease).
		WithCurrency(cfg.Currency).
		WithDefaultTTL(cfg.DefaultTTL).
		WithInstanceID(hostname)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.SweepInterval, s.logger)

	s.reconciler = reconciliation.NewWorker(s.escrowService, s.logger)
	s.reconcileTimer, err = reconciliation.NewTimer(s.reconciler, cfg.ReconcileCron, s.logger)
	if err != nil {
		return nil, err
	}

	if !s.gateway.Configured() {
		s.logger.Warn("payment provider not configured: card releases and refunds will fail until STRIPE_SECRET_KEY is set")
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupStorage selects the conversation store: Postgres, Pebble, DynamoDB,
// else in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	cfg := s.cfg
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		s.db = db
		s.checks.Register("postgres", health.Ping("postgres", db.PingContext))
		if s.escrowStore == nil {
			s.escrowStore = escrow.NewPostgresStore(db)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		return nil
	}

	if s.escrowStore != nil {
		return nil
	}

	switch {
	case cfg.PebblePath != "":
		store, err := escrow.OpenPebbleStore(cfg.PebblePath)
		if err != nil {
			return err
		}
		s.escrowStore = store
		s.closer = store
		s.logger.Info("using Pebble storage", "path", cfg.PebblePath)
	case cfg.DynamoTable != "":
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return err
		}
		store, err := escrow.NewDynamoStore(client, cfg.DynamoTable)
		if err != nil {
			return err
		}
		s.escrowStore = store
		s.logger.Info("using DynamoDB storage", "table", cfg.DynamoTable, "region", cfg.AWSRegion)
	default:
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}
	return nil
}

func newDynamoClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

func (s *Server) newGateway() settlement.Gateway {
	if s.cfg.StripeSecretKey == "" {
		return settlement.Unconfigured{}
	}
	stripeGW := settlement.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.Currency, settlement.NewStripeBackends(""))
	return settlement.NewResilient(stripeGW, s.logger)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{s.cfg.SiteURL}))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))

	escrowHandler := escrow.NewHandler(s.escrowService)
	creatorHandler := creator.NewHandler(s.creatorService)
	escrowHandler.RegisterRoutes(v1)
	creatorHandler.RegisterRoutes(v1)

	// Provider webhooks authenticate by signature, not wallet.
	checkout.NewHandler(s.escrowService, s.cfg.StripeWebhookSecret, !s.cfg.IsProduction(), s.logger).
		RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	creatorHandler.RegisterProtectedRoutes(protected)

	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.admins))
	admin.NewHandler(s.escrowService).
		WithReconciler(s.reconciler).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"payments", s.gateway.Configured(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Deadline sweep
	go s.escrowTimer.Start(runCtx)
	s.checks.Register("expiry_sweep", health.Running("expiry_sweep", s.escrowTimer.Running))

	// Payout reconciliation
	go s.reconcileTimer.Start(runCtx)
	s.checks.Register("reconciliation", health.Running("reconciliation", s.reconcileTimer.Running))

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
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

// Escrow returns the conversation service.
func (s *Server) Escrow() *escrow.Service {
	return s.escrowService
}

// Reconciler returns the payout reconciliation worker.
func (s *Server) Reconciler() *reconciliation.Worker {
	return s.reconciler
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
