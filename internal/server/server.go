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

	"github.com/nexuscrm/usagewatch/internal/alerts"
	"github.com/nexuscrm/usagewatch/internal/analytics"
	"github.com/nexuscrm/usagewatch/internal/auth"
	"github.com/nexuscrm/usagewatch/internal/config"
	"github.com/nexuscrm/usagewatch/internal/health"
	"github.com/nexuscrm/usagewatch/internal/ingest"
	"github.com/nexuscrm/usagewatch/internal/logging"
	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/ratelimit"
	"github.com/nexuscrm/usagewatch/internal/realtime"
	"github.com/nexuscrm/usagewatch/internal/retry"
	"github.com/nexuscrm/usagewatch/internal/security"
	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
	"github.com/nexuscrm/usagewatch/internal/validation"
	"github.com/nexuscrm/usagewatch/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if using the in-memory cache
	usageStore  usage.Store
	engine      *analytics.Engine
	manager     *alerts.Manager
	monitor     *alerts.Monitor
	ingestor    *ingest.Ingestor
	verifier    *ingest.Verifier
	hub         *realtime.Hub
	notifiers   *notifierSet
	rateLimiter *ratelimit.Limiter // nil when Redis backs rate limiting
	limiter     ratelimit.Backend
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	resolver    security.Resolver
	httpClient  *http.Client

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithResolver sets the resolver used to vet notification URLs (for testing)
func WithResolver(r security.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithHTTPClient sets the client used by outbound notifiers
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	ctx := context.Background()

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupCache(ctx); err != nil {
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger, realtime.MaxClients)
	s.notifiers = s.buildNotifiers(ctx)

	var alertStore alerts.Store = alerts.NewMemoryStore()
	var deadLetters ingest.DeadLetterStore = ingest.NewMemoryDeadLetters()
	if s.db != nil {
		alertStore = alerts.NewPostgresStore(s.db)
		deadLetters = ingest.NewPostgresDeadLetters(s.db)
	}

	s.manager = alerts.NewManager(
		alerts.NewRegistry(alerts.DefaultRules()...),
		alertStore,
		s.notifiers.dispatcher,
		logging.Component(s.logger, "alerts"),
		alerts.WithStoreRetention(cfg.AlertRetention),
	)
	if err := s.manager.Load(ctx); err != nil {
		s.logger.Warn("failed to restore active alerts", "error", err)
	}
	s.monitor = alerts.NewMonitor(s.manager, s.usageStore, s.engine, intervals(cfg), logging.Component(s.logger, "monitor"))

	s.verifier = ingest.NewVerifier(cfg.WebhookSecret, cfg.TimestampTolerance)
	if cfg.WebhookSecret == "" {
		s.logger.Warn("GENESIS_WEBHOOK_SECRET is empty; only requests signed with an empty key will verify")
	}
	ingestOpts := []ingest.Option{
		ingest.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.IngestMaxAttempts,
			BaseDelay:   cfg.IngestRetryBase,
			Jitter:      true,
			OnRetry: func(attempt int, wait time.Duration, err error) {
				s.logger.Warn("usage event store failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			},
		}),
		ingest.WithBroadcaster(s.hub),
		ingest.WithDeadLetters(deadLetters),
	}
	if cfg.MonitoringEnabled {
		ingestOpts = append(ingestOpts, ingest.WithUsageChecker(s.monitor))
	}
	if s.notifiers.escalator != nil {
		ingestOpts = append(ingestOpts, ingest.WithEscalator(s.notifiers.escalator))
	}
	s.ingestor = ingest.NewIngestor(s.usageStore, s.logger, ingestOpts...)

	s.setupHealth()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.usageStore = usage.NewMemoryStore()
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
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
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.usageStore = usage.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupCache(ctx context.Context) error {
	opts := []analytics.Option{analytics.WithLogger(logging.Component(s.logger, "analytics"))}
	if s.cfg.RedisURL == "" {
		opts = append(opts, analytics.WithCache(analytics.NewMemoryCache(), s.cfg.MetricsCacheTTL))
		s.engine = analytics.NewEngine(s.usageStore, opts...)
		return nil
	}

	client, err := analytics.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	opts = append(opts, analytics.WithCache(analytics.NewRedisCache(client, ""), s.cfg.MetricsCacheTTL))
	s.engine = analytics.NewEngine(s.usageStore, opts...)
	s.logger.Info("using Redis metrics cache", "url", maskDSN(s.cfg.RedisURL))
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.RegisterPing("database", s.db.PingContext)
	}
	if s.redis != nil {
		s.health.RegisterPing("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
	}
	if s.cfg.MonitoringEnabled {
		s.health.Register("monitor", func(context.Context) health.Status {
			if !s.monitor.Running() {
				return health.Status{Name: "monitor", Healthy: false, Detail: "monitor loops are not running"}
			}
			return health.Status{Name: "monitor", Healthy: true}
		})
	}
}

func intervals(cfg *config.Config) alerts.Intervals {
	iv := alerts.DefaultIntervals()
	iv.Usage.Interval = cfg.UsageInterval
	iv.Anomaly.Interval = cfg.AnomalyInterval
	iv.Churn.Interval = cfg.ChurnInterval
	iv.Performance.Interval = cfg.PerformanceInterval
	iv.Cleanup.Interval = cfg.CleanupInterval
	return iv
}

// maskDSN hides the password in a connection URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting is shared across replicas when Redis is available
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	if s.redis != nil {
		s.limiter = ratelimit.NewRedisLimiter(s.redis, rl, "usagewatch:ratelimit:")
	} else {
		s.rateLimiter = ratelimit.New(rl)
		s.limiter = s.rateLimiter
	}
	s.router.Use(ratelimit.Middleware(s.limiter, logging.Component(s.logger, "ratelimit")))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	root := s.router.Group("")

	ingestHandler := ingest.NewHandler(s.ingestor, s.verifier, logging.Component(s.logger, "ingest"))
	ingestHandler.RegisterRoutes(root)
	ingestHandler.RegisterAdminRoutes(root, auth.RequireAdmin(s.cfg.AdminSecret))

	usage.NewHandler(s.usageStore).RegisterRoutes(root)
	analytics.NewHandler(s.engine).RegisterRoutes(root)
	alerts.NewHandler(s.manager).RegisterRoutes(root)

	// Live usage feed
	root.GET("/agent-usage/live", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	root.GET("/agent-usage/live/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	root.GET("/monitoring/status", s.monitoringStatusHandler)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	if checks == nil {
		checks = []health.Status{}
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) monitoringStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":            s.cfg.MonitoringEnabled,
		"running":            s.monitor.Running(),
		"active_alerts":      s.manager.ActiveCount(),
		"notification_queue": s.manager.QueueLen(),
		"channels":           s.notifiers.dispatcher.Channels(),
		"live_clients":       s.hub.Count(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers without serving HTTP.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	if s.cfg.MonitoringEnabled {
		s.monitor.Start(runCtx)
	} else {
		s.logger.Info("alert monitoring disabled")
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
}

// Run serves HTTP until ctx is done or a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(ctx)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Stop monitor loops before cancelling the hub so queued dashboard
	// notifications are not dropped mid-flight
	s.monitor.Stop()
	s.ingestor.Wait()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
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
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ingestor returns the event ingestor, for tools that share the process.
func (s *Server) Ingestor() *ingest.Ingestor {
	return s.ingestor
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
