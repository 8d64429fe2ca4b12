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

	"github.com/paylens/fraudguard/internal/audit"
	"github.com/paylens/fraudguard/internal/config"
	"github.com/paylens/fraudguard/internal/health"
	"github.com/paylens/fraudguard/internal/logging"
	"github.com/paylens/fraudguard/internal/metrics"
	"github.com/paylens/fraudguard/internal/mlscore"
	"github.com/paylens/fraudguard/internal/pipeline"
	"github.com/paylens/fraudguard/internal/ratelimit"
	"github.com/paylens/fraudguard/internal/realtime"
	"github.com/paylens/fraudguard/internal/retry"
	"github.com/paylens/fraudguard/internal/rules"
	"github.com/paylens/fraudguard/internal/scoring"
	"github.com/paylens/fraudguard/internal/security"
	"github.com/paylens/fraudguard/internal/transaction"
	"github.com/paylens/fraudguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	transactions transaction.Store
	ruleStore    rules.Store
	statsArena   *rules.StatsArena
	statsWriter  *rules.StatsWriter
	auditSink    audit.Sink
	pipeline     *pipeline.Service
	feed         *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be starting when we are. Retry the first
		// ping with backoff before giving up.
		pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := retry.Do(pingCtx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(pingCtx)
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.transactions = transaction.NewPostgresStore(db)
		s.ruleStore = rules.NewPostgresStore(db)
		s.auditSink = audit.NewPostgresSink(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.transactions = transaction.NewMemoryStore()
		s.ruleStore = rules.NewMemoryStore()
		s.auditSink = audit.NewMemorySink()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Rule statistics arena with async flush to the store
	s.statsArena = rules.NewStatsArena()
	s.statsWriter = rules.NewStatsWriter(s.statsArena, s.ruleStore, s.logger, cfg.StatsFlushInterval)

	// Device history learns card/device pairs from approved transactions
	devices := rules.NewMemoryDeviceHistory()

	evaluator := rules.NewEvaluator(s.ruleStore, s.statsArena, s.logger).
		WithVelocityCounter(s.transactions).
		WithDeviceHistory(devices).
		WithGeoIP(&rules.StaticGeoIP{}).
		WithVPNDetector(&rules.ListVPNDetector{})

	scorer := scoring.NewScorer(cfg.HighRiskBINs, cfg.SuspiciousBINs)

	mlClient := mlscore.New(cfg.MLServiceURL, cfg.MLTimeout, s.logger)
	if mlClient.Enabled() {
		s.logger.Info("ml scoring enabled", "url", cfg.MLServiceURL, "timeout", cfg.MLTimeout)
	} else {
		s.logger.Info("ml scoring disabled (no ML_SERVICE_URL set)")
	}

	recorder := audit.NewRecorder(s.auditSink, s.logger)

	// Realtime decision feed
	s.feed = realtime.NewHub(s.logger)

	s.pipeline = pipeline.New(s.transactions, scorer, evaluator, mlClient, recorder, s.logger).
		WithFeed(s.feed).
		WithDeviceHistory(devices)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("rule_catalog", func(ctx context.Context) health.Status {
		if _, err := s.ruleStore.ListActive(ctx); err != nil {
			return health.Status{Name: "rule_catalog", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rule_catalog", Healthy: true}
	})

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

// Pipeline exposes the decision pipeline (tests).
func (s *Server) Pipeline() *pipeline.Service { return s.pipeline }

// RuleStore exposes the rule store (seeding, tests).
func (s *Server) RuleStore() rules.Store { return s.ruleStore }

// Router exposes the gin engine (tests).
func (s *Server) Router() *gin.Engine { return s.router }

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
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

	// WebSocket for the live decision feed
	s.router.GET("/v1/live", func(c *gin.Context) {
		s.feed.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/v1/live/stats", s.feedStatsHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	{
		// Transactions: submit for a decision, inspect, review
		v1.POST("/transactions", s.processTransaction)
		v1.GET("/transactions", s.listTransactions)
		v1.GET("/transactions/pending-review", s.listPendingReview)
		v1.GET("/transactions/stats", s.transactionStats)
		v1.GET("/transactions/:id", s.getTransaction)
		v1.POST("/transactions/:id/review", s.reviewTransaction)
		v1.GET("/transactions/:id/audit", s.transactionAudit)

		// Rule catalog management
		v1.POST("/rules", s.createRule)
		v1.GET("/rules", s.listRules)
		v1.GET("/rules/:id", s.getRule)
		v1.PUT("/rules/:id", s.updateRule)

		// Audit trail
		v1.GET("/audit", s.listAudit)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
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

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "FraudGuard",
		"description": "Real-time payment fraud decision service",
		"version":     "0.1.0",
	})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.Stats())
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

	// Start the decision feed hub
	go s.feed.Run(runCtx)

	// Start the rule stats flusher
	s.statsWriter.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (feed hub, stats writer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown failed", "error", err)
		}
	}

	// Final stats flush so counters survive restarts
	if s.statsWriter != nil {
		s.statsWriter.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close failed", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
