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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/config"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/health"
	"github.com/mbd888/ridewallet/internal/killswitch"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/metrics"
	"github.com/mbd888/ridewallet/internal/ratelimit"
	"github.com/mbd888/ridewallet/internal/scheduler"
	"github.com/mbd888/ridewallet/internal/security"
	"github.com/mbd888/ridewallet/internal/validation"
	"github.com/mbd888/ridewallet/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	commit      string
	app         *app
	gateway     gateway.Gateway
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	health      *health.Registry
	scheduler   *scheduler.Scheduler
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // stops background goroutines started in Run

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

// WithVersion sets the build reported by /health and build_info.
func WithVersion(version, commit string) Option {
	return func(s *Server) {
		s.version = version
		s.commit = commit
	}
}

// WithGateway replaces the configured payment gateway (for testing).
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		commit:  "unknown",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(2 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.health.Register("postgres", health.Database(db))
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
	}

	if cfg.Redis.URL != "" {
		client, err := killswitch.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.DialTimeout, cfg.Redis.ReadTimeout)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.redis = client
		s.health.Register("redis", health.Redis(client))
	}

	if s.gateway == nil {
		gw, err := buildGateway(cfg, s.logger)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.gateway = gw
	}

	a, err := buildApp(cfg, s.db, s.redis, s.gateway, s.logger)
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.app = a

	if cfg.Scheduler.Enabled {
		if err := s.setupScheduler(); err != nil {
			s.closeStorage()
			return nil, err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	metrics.SetBuildInfo(s.version, s.commit)
	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DB.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return db, nil
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	var next gateway.Gateway
	switch cfg.Gateway.Provider {
	case "stripe":
		gw, err := gateway.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.Env, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init stripe gateway: %w", err)
		}
		next = gw
	default:
		logger.Warn("using fake payment gateway")
		next = gateway.NewFake()
	}
	breaker := gateway.NewBreaker(cfg.Gateway.BreakerThreshold, cfg.Gateway.BreakerCooldown)
	return gateway.NewGuarded(next, breaker, cfg.Gateway.Timeout, logger), nil
}

func (s *Server) setupScheduler() error {
	var lock scheduler.Lock = scheduler.LocalLock{}
	if s.redis != nil {
		lock = scheduler.NewRedisLock(s.redis)
	}
	s.scheduler = scheduler.New(lock, s.logger)

	stuck := &scheduler.StuckPayoutJob{
		Payouts:   s.app.payouts,
		OlderThan: s.cfg.Scheduler.StuckAfter,
		Limit:     100,
		Logger:    s.logger,
	}
	if err := s.scheduler.Add(s.cfg.Scheduler.StuckPayoutSpec, stuck); err != nil {
		return fmt.Errorf("STUCK_PAYOUT_SPEC: %w", err)
	}
	if err := s.scheduler.Add(s.cfg.Scheduler.LedgerSweepSpec, &scheduler.LedgerSweepJob{Sweeper: s.app.sweeper}); err != nil {
		return fmt.Errorf("LEDGER_SWEEP_SPEC: %w", err)
	}
	return nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimit.RequestsPerMinute,
		BurstSize:         s.cfg.RateLimit.Burst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, trip service) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
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
	s.router.GET("/health", health.Handler(s.health, s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.Config{
		Secret: s.cfg.Auth.JWTSecret,
		Issuer: s.cfg.Auth.JWTIssuer,
		TTL:    s.cfg.Auth.TokenTTL,
	}))
	for _, h := range s.app.handlers(s.cfg.Scheduler.StuckAfter) {
		h.RegisterRoutes(v1)
	}
	newAuditHandler(s.app.recorder).RegisterRoutes(v1)
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

// Run starts the HTTP server and blocks until a signal, ctx cancellation or
// a listener error, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	if s.scheduler != nil {
		s.scheduler.Start()
		s.logger.Info("scheduler started", "jobs", s.scheduler.Entries())
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown drains traffic, stops background jobs and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to observe the failing readiness probe.
	if s.cfg.DrainDelay > 0 && s.httpSrv != nil {
		time.Sleep(s.cfg.DrainDelay)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight jobs may be settling money; wait for them before closing the pool.
	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
		s.logger.Info("scheduler stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeStorage()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
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
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
