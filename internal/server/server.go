// Package server wires the fraudwatch pipeline and serves its HTTP API.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudwatch/internal/alertcache"
	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/dispatcher"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/lookup"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/predictor"
	"github.com/mbd888/fraudwatch/internal/pubsub"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/validation"
	"github.com/mbd888/fraudwatch/internal/velocity"
)

// Startup dependency checks.
const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the analysis pipeline
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	redis *redis.Client // nil if using in-memory stores
	db    *sql.DB       // nil if using in-memory lookups
	geoip *features.GeoIP
	model predictor.ModelManager

	memCache    *alertcache.MemoryCache
	memVelocity *velocity.MemoryStore
	bus         *pubsub.Bus
	stats       *stats.Aggregator
	dispatcher  *dispatcher.Dispatcher
	hub         *realtime.Hub
	forwarder   *pubsub.Forwarder
	consumer    *ingest.Consumer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router         *gin.Engine
	httpSrv        *http.Server
	shutdownTracer func(context.Context) error
	drainDelay     time.Duration

	cancelRunCtx context.CancelFunc // cancels hub, forwarder and collectors
	cancelIngest context.CancelFunc
	dispatchDone chan struct{}
	ingestGroup  *errgroup.Group
	background   sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error

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

// WithModel replaces the configured scoring model (for testing)
func WithModel(m predictor.ModelManager) Option {
	return func(s *Server) {
		s.model = m
	}
}

// WithVersion sets the version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
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
		version:    "dev",
		drainDelay: 5 * time.Second,
		bus:        pubsub.New(),
		health:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracer, err := traces.Init(ctx, cfg.OTelEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracer = shutdownTracer

	if err := s.openStores(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	deps, err := s.buildPipeline()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.dispatcher = dispatcher.New(deps, dispatcher.Config{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		StatsInterval:   cfg.StatsInterval,
		StatsWindow:     cfg.StatsWindow,
		AlertTTL:        cfg.AlertTTL,
		AnalysisTimeout: cfg.AnalysisTimeout,
	}, s.logger)

	s.hub = realtime.NewHub(s.bus, s.logger)
	s.logger.Info("realtime streaming enabled")

	if cfg.KafkaEnabled() {
		writer := pubsub.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaAlertsTopic)
		s.forwarder = pubsub.NewForwarder(s.bus, writer, []string{
			pubsub.TopicAlertsCompleted,
			pubsub.TopicHighRisk,
			pubsub.TopicAnalysisFailed,
			pubsub.TopicStatsSnapshot,
		}, s.logger)

		reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaIngestTopic, cfg.KafkaGroupID, s.logger)
		s.consumer = ingest.NewConsumer(reader, s.dispatcher, s.logger)
		s.logger.Info("kafka enabled",
			"brokers", cfg.KafkaBrokers,
			"ingest_topic", cfg.KafkaIngestTopic,
			"alerts_topic", cfg.KafkaAlertsTopic,
		)
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores connects Redis and PostgreSQL when configured, retrying while
// they come up.
func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := retry.Connect(ctx, s.logger, "redis", connectAttempts, connectBackoff, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("using Redis for velocity, alert cache and hourly stats", "addr", opts.Addr)
	} else {
		s.logger.Info("using in-memory stores (state is per-process)")
	}

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := retry.Connect(ctx, s.logger, "postgres", connectAttempts, connectBackoff, db.PingContext); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL lookups", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.cfg.GeoIPCityDB != "" || s.cfg.GeoIPASNDB != "" {
		g, err := features.OpenGeoIP(s.cfg.GeoIPCityDB, s.cfg.GeoIPASNDB)
		if err != nil {
			return fmt.Errorf("failed to open geoip databases: %w", err)
		}
		s.geoip = g
		s.logger.Info("geoip enrichment enabled")
	}

	return nil
}

func (s *Server) buildPipeline() (dispatcher.Deps, error) {
	cfg := s.cfg

	cls, err := classifier.New(classifier.Thresholds{
		High:   cfg.HighRiskThreshold,
		Medium: cfg.MediumRiskThreshold,
	})
	if err != nil {
		return dispatcher.Deps{}, fmt.Errorf("invalid risk thresholds: %w", err)
	}

	var (
		store   velocity.Store
		cache   alertcache.Cache
		buckets stats.BucketStore
	)
	// Hours older than the bucket TTL read back as zero.
	bucketTTL := cfg.StatsBucketTTL
	if s.redis != nil {
		store = velocity.NewRedisStore(s.redis, velocity.WithMaxEntries(cfg.VelocityMaxEntries))
		cache = alertcache.NewRedisCache(s.redis)
		buckets = stats.NewRedisBucketStore(s.redis, bucketTTL)
	} else {
		s.memVelocity = velocity.NewMemoryStore(
			velocity.WithMaxEntries(cfg.VelocityMaxEntries),
			velocity.WithSweepInterval(time.Minute),
		)
		store = s.memVelocity
		s.memCache = alertcache.NewMemoryCache(time.Minute)
		cache = s.memCache
		buckets = stats.NewMemoryBucketStore(bucketTTL)
	}
	s.stats = stats.NewAggregator(buckets, cfg.HistorySize)

	var lookups interface {
		lookup.ProfileLookup
		lookup.MerchantLookup
		lookup.FraudHistoryLookup
		lookup.DeviceLookup
	}
	if s.db != nil {
		lookups = lookup.NewPostgres(s.db)
	} else {
		lookups = lookup.NewMemory()
	}

	extractorOpts := []features.Option{
		features.WithProfiles(lookups),
		features.WithMerchants(lookups),
		features.WithHistory(lookups),
		features.WithDevices(lookups),
		features.WithLogger(s.logger),
	}
	if s.geoip != nil {
		extractorOpts = append(extractorOpts, features.WithIPIntel(s.geoip))
	}
	if len(cfg.HighRiskCountries) > 0 {
		extractorOpts = append(extractorOpts, features.WithHighRiskCountries(cfg.HighRiskCountries))
	}
	if len(cfg.HostingKeywords) > 0 {
		extractorOpts = append(extractorOpts, features.WithHostingKeywords(cfg.HostingKeywords))
	}

	if s.model == nil {
		if cfg.ModelURL != "" {
			s.model = predictor.NewHTTPModel(cfg.ModelURL, cfg.ModelTimeout)
			s.logger.Info("using remote scoring model", "url", cfg.ModelURL)
		} else {
			s.model = predictor.HeuristicModel{}
			s.logger.Warn("MODEL_URL not set, using built-in heuristic model")
		}
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("model circuit breaker transition", "circuit", key, "from", from.String(), "to", to.String())
	})

	return dispatcher.Deps{
		Extractor: features.NewExtractor(store, extractorOpts...),
		Predictor: predictor.NewAdapter(s.model,
			predictor.WithTimeout(cfg.ModelTimeout),
			predictor.WithBreaker(breaker),
			predictor.WithLogger(s.logger),
		),
		Classifier: cls,
		Cache:      cache,
		Stats:      s.stats,
		Velocity:   store,
		Bus:        s.bus,
	}, nil
}

func (s *Server) registerHealthChecks() {
	if s.redis != nil {
		client := s.redis
		s.health.Register("redis", health.Ping("redis", health.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})))
	}
	if s.db != nil {
		s.health.Register("postgres", health.Ping("postgres", health.PingFunc(s.db.PingContext)))
	}
	s.health.Register("dispatcher", health.Running("dispatcher", s.dispatcher.Running))
	if s.forwarder != nil {
		s.health.Register("kafka_forwarder", health.Running("kafka_forwarder", s.forwarder.Running))
	}
	if s.consumer != nil {
		s.health.Register("kafka_ingest", health.Running("kafka_ingest", s.consumer.Running))
	}
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
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Request()
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// Probes and scrapes are too frequent to log.
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

	// WebSocket alert feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, s.cfg.RateLimitRPM/10),
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	dispatcher.NewHandler(s.dispatcher, s.stats).RegisterRoutes(v1)
	v1.GET("/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Queue     int             `json:"queueDepth"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Queue:     s.dispatcher.QueueLen(),
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
	if !s.ready.Load() || !s.dispatcher.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"websocket":   s.hub.Stats(),
		"subscribers": s.bus.Subscribers(),
		"queueDepth":  s.dispatcher.QueueLen(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the pipeline, the hub and the Kafka loops without serving
// HTTP. Run calls it; tests use it with Router().
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.dispatchDone = make(chan struct{})
	go func() {
		defer close(s.dispatchDone)
		s.dispatcher.Start(runCtx)
	}()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.hub.Run(runCtx)
	}()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}()

	if s.forwarder != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if err := s.forwarder.Run(runCtx); err != nil {
				s.logger.Error("kafka forwarder stopped", "error", err)
			}
		}()
	}

	if s.consumer != nil {
		ingestCtx, cancelIngest := context.WithCancel(runCtx)
		s.cancelIngest = cancelIngest
		g, gctx := errgroup.WithContext(ingestCtx)
		g.Go(func() error { return s.consumer.Run(gctx) })
		s.ingestGroup = g
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"workers", s.cfg.Workers,
			"queue_size", s.cfg.QueueSize,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

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

// Shutdown gracefully stops the server: HTTP first, then Kafka ingest, then
// the dispatcher drains its queue, then the hub and the forwarder, then the
// stores and the tracer. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 && s.httpSrv != nil {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.cancelIngest != nil {
		s.cancelIngest()
		if err := s.ingestGroup.Wait(); err != nil {
			s.logger.Error("kafka ingest stopped with error", "error", err)
		}
		s.logger.Info("kafka ingest stopped")
	}

	// Queued work is analyzed before alerts stop flowing.
	s.dispatcher.Stop()
	if s.dispatchDone != nil {
		select {
		case <-s.dispatchDone:
			s.logger.Info("dispatcher drained")
		case <-ctx.Done():
			s.logger.Error("dispatcher drain timed out", "queued", s.dispatcher.QueueLen())
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.background.Wait()
	s.bus.Close()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.shutdownTracer(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
		errs = append(errs, err)
	}

	s.closeStores()
	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStores() {
	if s.memCache != nil {
		s.memCache.Close()
	}
	if s.memVelocity != nil {
		s.memVelocity.Close()
	}
	if s.geoip != nil {
		if err := s.geoip.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		} else {
			s.logger.Info("redis connection closed")
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
