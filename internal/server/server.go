// Package server wires the escrow service together and serves it over HTTP.
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

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/dispute"
	"github.com/mbd888/gigescrow/internal/engagement"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/health"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/provider"
	"github.com/mbd888/gigescrow/internal/ratelimit"
	"github.com/mbd888/gigescrow/internal/security"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/validation"
	"github.com/mbd888/gigescrow/migrations"
)

// Version is reported by the health endpoint; set by the binary.
var Version = "dev"

// callbackRateMultiplier gives provider-facing routes more headroom than
// user traffic; providers retry from a small pool of addresses.
const callbackRateMultiplier = 10

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	db              *sql.DB       // nil if using in-memory
	redis           *redis.Client // nil without REDIS_URL
	providers       *provider.Registry
	engine          *escrow.Engine
	disputes        *dispute.Service
	engagements     *engagement.Service
	subscriptions   notify.SubscriptionStore
	dispatcher      *notify.Dispatcher
	inbox           *notify.MemorySink
	escrowTimer     *escrow.Timer
	apiLimiter      *ratelimit.Limiter
	callbackLimiter *ratelimit.Limiter
	readiness       *health.Registry
	health          *health.Registry
	resolver        *auth.Resolver
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

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

// WithProviders replaces the adapters built from configuration (for testing).
func WithProviders(adapters ...provider.Adapter) Option {
	return func(s *Server) {
		s.providers = provider.NewRegistry(adapters...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	var (
		intents     escrow.Store
		engStore    engagement.Store
		disputeRows dispute.Store
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		intents = escrow.NewPostgresStore(db)
		engStore = engagement.NewPostgresStore(db)
		disputeRows = dispute.NewPostgresStore(db)
		s.subscriptions = notify.NewPostgresSubscriptionStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		intents = escrow.NewMemoryStore()
		engStore = engagement.NewMemoryStore()
		disputeRows = dispute.NewMemoryStore()
		s.subscriptions = notify.NewMemorySubscriptionStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	if s.providers == nil {
		s.providers = providersFromConfig(cfg)
	}
	s.logger.Info("payment providers configured", "providers", s.providers.Names(), "default", cfg.DefaultProvider)

	sinks := []notify.Sink{notify.NewWebhookSink(s.subscriptions)}
	if cfg.RedisURL != "" {
		sink, client, err := notify.NewRedisSinkFromURL(cfg.RedisURL, cfg.RedisStream)
		if err != nil {
			return nil, err
		}
		s.redis = client
		sinks = append(sinks, sink)
		s.logger.Info("notifications streaming to redis", "stream", cfg.RedisStream)
	} else {
		s.inbox = notify.NewMemorySink()
		sinks = append(sinks, s.inbox)
	}
	s.dispatcher = notify.NewDispatcher(s.logger, sinks...)

	s.engagements = engagement.NewService(engStore, s.logger)
	s.engine = escrow.NewEngine(intents, s.providers, s.engagements, dispute.NewGate(disputeRows), escrow.Config{
		DefaultProvider:  cfg.DefaultProvider,
		IntentTTL:        cfg.IntentTTL,
		AutoReleaseGrace: cfg.AutoReleaseGrace,
		SweepBatchSize:   cfg.SweepBatchSize,
		SweepConcurrency: cfg.SweepConcurrency,
		CallbackURL:      cfg.CallbackURL,
	}, s.logger).WithNotifier(s.dispatcher)
	s.disputes = dispute.NewService(disputeRows, s.engine, s.engagements, s.logger).WithNotifier(s.dispatcher)

	if cfg.AutoReleaseSchedule != "" {
		s.escrowTimer = escrow.NewTimer(s.engine, cfg.AutoReleaseSchedule, s.logger)
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomHex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral secret (tokens do not survive restart)")
	}
	s.resolver = auth.NewResolver(jwtSecret, "")

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return db, nil
}

func providersFromConfig(cfg *config.Config) *provider.Registry {
	var adapters []provider.Adapter
	if cfg.CardEnabled() {
		adapters = append(adapters, provider.NewCard(provider.CardConfig{
			BaseURL:   cfg.CardBaseURL,
			SecretKey: cfg.CardSecretKey,
			Currency:  cfg.CardCurrency,
			Timeout:   cfg.ProviderTimeout,
		}))
	}
	if cfg.TrustEnabled() {
		adapters = append(adapters, provider.NewTrust(provider.TrustConfig{
			BaseURL:  cfg.TrustBaseURL,
			Email:    cfg.TrustEmail,
			APIKey:   cfg.TrustAPIKey,
			Currency: cfg.TrustCurrency,
			Timeout:  cfg.ProviderTimeout,
		}))
	}
	return provider.NewRegistry(adapters...)
}

func (s *Server) setupHealth() {
	s.readiness = health.NewRegistry()
	s.health = health.NewRegistry()
	if s.db != nil {
		s.readiness.Register("database", health.Database(s.db))
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.readiness.Register("redis", health.Redis(s.redis))
		s.health.Register("redis", health.Redis(s.redis))
	}
	// More than a full sweep batch past grace means sweeps are not keeping up.
	s.health.Register("auto_release_backlog", health.Backlog(s.engine.EligibleCount, s.cfg.SweepBatchSize))
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.resolver))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.apiLimiter = ratelimit.New("api", rl)
	rl.RequestsPerMinute *= callbackRateMultiplier
	rl.BurstSize *= callbackRateMultiplier
	s.callbackLimiter = ratelimit.New("callback", rl)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = randomHex(16)
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

	escrowHandler := escrow.NewHandler(s.engine, escrow.HandlerConfig{
		CronSecret:       s.cfg.CronSecret,
		ReturnSuccessURL: s.cfg.ReturnSuccessURL,
		ReturnFailureURL: s.cfg.ReturnFailureURL,
	})

	v1 := s.router.Group("/v1")

	// Provider callbacks and the cron trigger carry no user identity.
	external := v1.Group("", s.callbackLimiter.Middleware())
	escrowHandler.RegisterCallbackRoutes(external)
	escrowHandler.RegisterCronRoutes(external)

	protected := v1.Group("", auth.RequireAuth(), s.apiLimiter.Middleware())
	escrowHandler.RegisterProtectedRoutes(protected)
	engagement.NewHandler(s.engagements).RegisterProtectedRoutes(protected)
	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterAdminRoutes(protected)
	notify.NewHandler(s.subscriptions).RegisterProtectedRoutes(protected)
	if s.inbox != nil {
		protected.GET("/notifications", s.inboxHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Sweep     *SweepHealth    `json:"sweep,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// SweepHealth reports the in-process auto-release timer.
type SweepHealth struct {
	Running bool  `json:"running"`
	Runs    int64 `json:"runs"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.escrowTimer != nil {
		resp.Sweep = &SweepHealth{Running: s.escrowTimer.Running(), Runs: s.escrowTimer.Runs()}
	}

	status := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
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
	if ok, checks := s.readiness.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// inboxHandler serves the in-process notification inbox when no Redis
// stream is configured.
func (s *Server) inboxHandler(c *gin.Context) {
	events := s.inbox.ForRecipient(auth.UserID(c), 50)
	c.JSON(http.StatusOK, gin.H{"notifications": events, "count": len(events)})
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
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.escrowTimer != nil {
		go func() {
			if err := s.escrowTimer.Start(runCtx); err != nil {
				s.logger.Error("auto-release timer failed to start", "error", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	s.apiLimiter.Stop()
	s.callbackLimiter.Stop()

	// Let in-flight notifications finish before closing their sinks.
	s.dispatcher.Wait()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Resolver returns the identity token resolver.
func (s *Server) Resolver() *auth.Resolver {
	return s.resolver
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
