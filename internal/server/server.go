// Package server wires the Secure-Pay components into an HTTP service.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/campusmarket/securepay/internal/audit"
	"github.com/campusmarket/securepay/internal/auth"
	"github.com/campusmarket/securepay/internal/config"
	"github.com/campusmarket/securepay/internal/escrow"
	"github.com/campusmarket/securepay/internal/gateway"
	"github.com/campusmarket/securepay/internal/health"
	"github.com/campusmarket/securepay/internal/interest"
	"github.com/campusmarket/securepay/internal/listing"
	"github.com/campusmarket/securepay/internal/logging"
	"github.com/campusmarket/securepay/internal/metrics"
	"github.com/campusmarket/securepay/internal/notify"
	"github.com/campusmarket/securepay/internal/ratelimit"
	"github.com/campusmarket/securepay/internal/review"
	"github.com/campusmarket/securepay/internal/security"
	"github.com/campusmarket/securepay/internal/traces"
	"github.com/campusmarket/securepay/internal/validation"
)

// Server is the Secure-Pay HTTP server and its wired components.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server

	db *sql.DB // nil in memory mode

	authMgr     *auth.Manager
	listings    listing.Store
	escrowSvc   *escrow.Service
	interestSvc *interest.Service
	notifySvc   *notify.Service
	hub         *notify.Hub
	auditRec    audit.Recorder
	gateway     gateway.Gateway
	limiter     *ratelimit.Limiter
	checks      *health.Registry

	cancelRun      context.CancelFunc
	tracesShutdown func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to one built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGateway injects a payment gateway, replacing the Stripe adapter.
// Used by tests.
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) { s.gateway = gw }
}

// New creates a fully wired server from the config.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	// Storage: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	var (
		escrowStore   escrow.Store
		interestStore interest.Store
		notifyStore   notify.Store
		reviewStore   review.Store
		authStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}

		s.db = db
		s.logger.Info("Using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		interestStore = interest.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.listings = listing.NewPostgresStore(db)
		s.auditRec = audit.NewPostgresRecorder(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (demo mode)")

		escrowStore = escrow.NewMemoryStore()
		interestStore = interest.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.listings = listing.NewMemoryStore()
		s.auditRec = audit.NewMemoryRecorder()
	}

	if s.gateway == nil {
		if cfg.StripeSecretKey == "" {
			s.logger.Warn("STRIPE_SECRET_KEY not set, gateway calls will fail")
		}
		s.gateway = gateway.NewStripe(cfg.StripeSecretKey, cfg.GatewayTimeout, s.logger)
	}

	if err := security.ValidateEndpointURL(cfg.FrontendURL); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("FRONTEND_URL rejected: %w", err)
		}
		s.logger.Warn("FRONTEND_URL would be rejected in production", "url", cfg.FrontendURL, "error", err)
	}

	s.authMgr = auth.NewManager(authStore)
	s.hub = notify.NewHub(s.logger)
	s.notifySvc = notify.NewService(notifyStore, s.hub, s.logger, cfg.MaxNotifyBacklog)

	auditLog := audit.NewLog(s.auditRec, s.logger)

	s.interestSvc = interest.NewService(interestStore, s.listings, reviewStore, auditLog, s.notifySvc, s.logger)
	s.escrowSvc = escrow.NewService(escrowStore, s.gateway, s.listings, escrow.Pricing{
		FeePercent:     cfg.FeePercent,
		MinAmountCents: cfg.MinEscrowCents,
		Currency:       cfg.Currency,
		FrontendURL:    cfg.FrontendURL,
	}, s.logger).
		WithInterestLedger(s.interestSvc).
		WithAudit(auditLog).
		WithNotifier(s.notifySvc)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	s.checks.Register("gateway", func(ctx context.Context) health.Status {
		if cfg.StripeSecretKey == "" {
			return health.Status{Name: "gateway", Healthy: true, Detail: "not configured"}
		}
		return health.Status{Name: "gateway", Healthy: true}
	})

	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitPerMin > 0 {
		rlCfg.RequestsPerMinute = cfg.RateLimitPerMin
	}
	s.limiter = ratelimit.New(rlCfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Router returns the underlying gin engine. Used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "panic", recovered, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := []string{"*"}
	if s.cfg.IsProduction() {
		origins = []string{s.cfg.FrontendURL}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(1 << 20)) // 1 MB
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Probes and scrapes would drown the log
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/health/live" ||
			c.Request.URL.Path == "/health/ready" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
			"requestId", logging.RequestID(c.Request.Context()),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", metrics.Handler())

	escrowHandler := escrow.NewHandler(s.escrowSvc, s.cfg.DisputeReasonMax)
	interestHandler := interest.NewHandler(s.interestSvc, s.listings)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id"))

	// Public (read-only)
	escrowHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// Authenticated
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	escrowHandler.RegisterProtectedRoutes(protected)
	interestHandler.RegisterProtectedRoutes(protected)
	protected.GET("/notifications", s.handleListNotifications)
	protected.POST("/notifications/:id/read", s.handleMarkNotificationRead)
	protected.GET("/ws", s.handleWebSocket)
	protected.GET("/auth/keys", authHandler.ListKeys)
	protected.POST("/auth/keys", authHandler.CreateKey)
	protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	protected.GET("/auth/me", authHandler.Me)

	// Admin (arbitration, provisioning, audit)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/audit", s.handleAuditQuery)
	admin.POST("/auth/keys", authHandler.IssueKey)
	admin.PUT("/listings", s.handleSyncListing)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": statuses})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	list, err := s.notifySvc.List(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list notifications",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

func (s *Server) handleMarkNotificationRead(c *gin.Context) {
	userID := auth.AuthenticatedUser(c)

	if err := s.notifySvc.MarkRead(c.Request.Context(), c.Param("id"), userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Notification not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request, auth.AuthenticatedUser(c))
}

func (s *Server) handleAuditQuery(c *gin.Context) {
	targetType := c.Query("targetType")
	targetID := c.Query("targetId")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := s.auditRec.Query(c.Request.Context(), targetType, targetID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit log",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// syncListingRequest mirrors the marketplace's listing record. The marketplace
// backend pushes listings here so the engine can price and guard checkouts.
type syncListingRequest struct {
	ID         string `json:"id" binding:"required"`
	SellerID   string `json:"sellerId" binding:"required"`
	Title      string `json:"title" binding:"required"`
	PriceCents int64  `json:"priceCents"`
	IsActive   bool   `json:"isActive"`
	IsSold     bool   `json:"isSold"`
}

func (s *Server) handleSyncListing(c *gin.Context) {
	var req syncListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id, sellerId, and title are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.ValidID("sellerId", req.SellerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.PriceCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "priceCents must not be negative",
		})
		return
	}

	l := &listing.Listing{
		ID:         req.ID,
		SellerID:   req.SellerID,
		Title:      validation.SanitizeString(req.Title, 200),
		PriceCents: req.PriceCents,
		IsActive:   req.IsActive,
		IsSold:     req.IsSold,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.listings.Create(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store listing",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// Run starts the server and blocks until a shutdown signal or a fatal error.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Secure-Pay server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Flip readiness once the listener has had a moment to bind
	time.AfterFunc(100*time.Millisecond, func() { s.ready.Store(true) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-quit:
		s.logger.Info("Shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	// Let load balancers observe the readiness flip before closing
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.limiter.Stop()
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("Server stopped")
	return firstErr
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	return u.Redacted()
}
