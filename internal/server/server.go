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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sokopay/internal/auth"
	"github.com/mbd888/sokopay/internal/config"
	"github.com/mbd888/sokopay/internal/eventbus"
	"github.com/mbd888/sokopay/internal/fraud"
	"github.com/mbd888/sokopay/internal/health"
	"github.com/mbd888/sokopay/internal/locks"
	"github.com/mbd888/sokopay/internal/logging"
	"github.com/mbd888/sokopay/internal/metrics"
	"github.com/mbd888/sokopay/internal/orders"
	"github.com/mbd888/sokopay/internal/payhero"
	"github.com/mbd888/sokopay/internal/ratelimit"
	"github.com/mbd888/sokopay/internal/realtime"
	"github.com/mbd888/sokopay/internal/security"
	"github.com/mbd888/sokopay/internal/traces"
	"github.com/mbd888/sokopay/internal/validation"
)

// Version is reported by /health and the tracer resource. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         orders.Store
	gateway       orders.Gateway
	orderService  *orders.Service
	reconciler    *orders.Reconciler
	realtimeHub   *realtime.Hub
	publisher     *eventbus.KafkaPublisher // nil unless KAFKA_BROKERS is set
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil unless REDIS_URL is set
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

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
func WithGateway(g orders.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, "json"),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() && cfg.PayHeroCallbackURL != "" {
		if err := security.ValidateCallbackURL(cfg.PayHeroCallbackURL, true); err != nil {
			return nil, fmt.Errorf("invalid PAYHERO_CALLBACK_URL: %w", err)
		}
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

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = orders.NewPostgresStore(db)
		s.health.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = orders.NewMemoryStore()
		s.health.Register("store", health.StaticChecker("store", "memory"))
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Per-order lock: Redis when several API replicas share one database
	var locker locks.Locker = locks.NewLocal()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		// The lease is renewed while held; the TTL only bounds how long a
		// crashed replica blocks an order.
		locker = locks.NewRedis(s.redis, "sokopay:lock:", s.logger).
			WithTTL(cfg.FraudTimeout + payhero.DefaultTimeout + 10*time.Second)
		s.health.Register("redis", health.RedisChecker(s.redis))
		s.logger.Info("distributed order locks enabled", "addr", opt.Addr)
	} else {
		s.health.Register("locks", health.StaticChecker("locks", "local"))
	}

	// Payment gateway
	if s.gateway == nil {
		client := payhero.NewClient(payhero.Config{
			BaseURL:         cfg.PayHeroBaseURL,
			APIKey:          cfg.PayHeroAPIKey,
			AuthScheme:      cfg.PayHeroAuthScheme,
			ChannelID:       cfg.PayHeroChannelID,
			Provider:        cfg.PayHeroProvider,
			CallbackURL:     cfg.PayHeroCallbackURL,
			ReferencePrefix: cfg.PayHeroReferencePrefix,
		})
		s.gateway = &payheroGateway{client: client}
		if cfg.PayHeroAPIKey == "" {
			s.logger.Warn("PAYHERO_API_KEY not set, payment initiation will fail")
		}
	}

	// Fraud screening: hosted model when configured, rules otherwise
	var primary fraud.Scorer
	if cfg.GeminiAPIKey != "" {
		gemini, err := fraud.NewGeminiScorer(context.Background(), fraud.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			s.closeStores()
			return nil, err
		}
		primary = gemini
		s.logger.Info("model fraud scoring enabled", "model", cfg.GeminiModel)
	} else {
		s.logger.Info("fraud scoring uses rules only (GEMINI_API_KEY not set)")
	}
	assessor := fraud.NewAssessor(primary, s.logger).WithTimeout(cfg.FraudTimeout)

	s.orderService = orders.NewService(s.store, assessor, s.gateway, orders.Config{
		PaymentLinkBase: cfg.PaymentLinkBase,
		FeeBPS:          cfg.PlatformFeeBPS,
	}, s.logger).WithLocker(locker)

	// Realtime hub for live order tracking
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSOrigins)
	s.orderService.WithNotifier(s.realtimeHub)

	// Kafka fan-out of order updates
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = eventbus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		s.orderService.WithNotifier(s.publisher)
		s.logger.Info("order events published to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.reconciler = orders.NewReconciler(s.orderService, s.logger).WithInterval(cfg.ReconcileInterval)

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Applied to payment initiation only; see setupRoutes
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithOrderID(ctx, id)
		}
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live order tracking for buyer and seller pages
	s.router.GET("/ws/orders/:id", validation.OrderIDParamMiddleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, c.Param("id"))
	})

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	handler := orders.NewHandler(s.orderService)
	handler.RegisterRoutes(v1, s.rateLimiter.Middleware())
	handler.RegisterCallbackRoutes(v1)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	handler.RegisterAdminRoutes(admin)
	admin.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, "")
	})
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are unauthenticated")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	health.Live(c)
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
		"name":        "Soko Pay",
		"description": "Escrow payments for social commerce",
		"version":     Version,
		"currency":    "KES",
		"rail":        "M-Pesa",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTrace, err := traces.Init(ctx, s.cfg.OTelEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      45 * time.Second, // covers fraud scoring plus the STK push call
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
	go s.reconciler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		cancel()
		s.closeStores()
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

	// Cancel the context for all background goroutines (hub, reconciler, collectors)
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

	s.reconciler.Stop()
	s.logger.Info("payment reconciler stopped")

	s.rateLimiter.Stop()

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return nil
}

// closeStores releases the database pool and Redis client.
func (s *Server) closeStores() {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Orders returns the order lifecycle service.
func (s *Server) Orders() *orders.Service {
	return s.orderService
}
