// Package server wires the settlement stack into one HTTP server.
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/assured/internal/auth"
	"github.com/mbd888/assured/internal/config"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/health"
	"github.com/mbd888/assured/internal/ledger"
	"github.com/mbd888/assured/internal/logging"
	"github.com/mbd888/assured/internal/metrics"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/ratelimit"
	"github.com/mbd888/assured/internal/realtime"
	"github.com/mbd888/assured/internal/reconciliation"
	"github.com/mbd888/assured/internal/reputation"
	"github.com/mbd888/assured/internal/retry"
	"github.com/mbd888/assured/internal/security"
	"github.com/mbd888/assured/internal/settlement"
	"github.com/mbd888/assured/internal/trust"
	"github.com/mbd888/assured/internal/validation"
	"github.com/mbd888/assured/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	signer      *trust.Signer
	payer       *trust.Signer
	ledger      *ledger.Ledger
	escrow      *escrow.Service
	escrowTimer *escrow.Timer
	reputation  *reputation.Registry
	orch        *settlement.Orchestrator
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	notifier    *webhooks.Notifier
	deliveries  webhooks.Store
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	verifier    *auth.Verifier
	loopback    *http.Client
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc
	healthy      atomic.Bool
	ready        atomic.Bool
	drainDelay   time.Duration
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB supplies an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	if err := s.setupIdentities(); err != nil {
		return nil, err
	}
	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupSettlement(ctx); err != nil {
		return nil, err
	}

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("database", health.DBChecker(s.db))
	s.health.Register("escrow_timer", func(context.Context) health.Status {
		if s.ready.Load() && !s.escrowTimer.Running() {
			return health.Status{Healthy: false, Detail: "settlement pass not running"}
		}
		return health.Status{Healthy: true}
	})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		Budget:          cfg.RunRatePerSec,
		Window:          time.Second,
		CleanupInterval: time.Minute,
	})
	s.verifier = auth.NewVerifier()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	// Operator runs go through the same router as remote payers.
	s.loopback = &http.Client{Transport: routerTransport{handler: s.router}, Timeout: 30 * time.Second}

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupIdentities() error {
	signer, err := loadSigner(s.cfg.ProviderSeed)
	if err != nil {
		return fmt.Errorf("provider seed: %w", err)
	}
	if s.cfg.ProviderSeed == "" {
		s.logger.Warn("PROVIDER_SEED not set, using an ephemeral provider key", "provider", signer.Address())
	}
	if s.cfg.ProviderAddress != "" && s.cfg.ProviderAddress != signer.Address() {
		return fmt.Errorf("PROVIDER_ADDRESS %s does not match the key derived from PROVIDER_SEED", s.cfg.ProviderAddress)
	}
	s.signer = signer

	payer, err := loadSigner(s.cfg.PayerSeed)
	if err != nil {
		return fmt.Errorf("payer seed: %w", err)
	}
	s.payer = payer
	return nil
}

func loadSigner(seed string) (*trust.Signer, error) {
	if seed == "" {
		return trust.GenerateSigner()
	}
	b, err := trust.ParseSeed(seed)
	if err != nil {
		return nil, err
	}
	return trust.NewSignerFromSeed(b)
}

// setupStorage picks Postgres when DATABASE_URL is set, otherwise in-memory.
// The schema comes from cmd/migrate.
func (s *Server) setupStorage() error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	var (
		ledgerStore ledger.Store
		escrowStore escrow.Store
		repRepo     reputation.Repository
	)
	if s.db != nil {
		ledgerStore = ledger.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		repRepo = reputation.NewPostgresRepository(s.db)
		s.deliveries = webhooks.NewPostgresStore(s.db)
	} else {
		s.logger.Info("using in-memory storage")
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		repRepo = reputation.NewMemoryRepository()
		s.deliveries = webhooks.NewMemoryStore()
	}

	s.ledger = ledger.New(ledgerStore)
	s.reputation = reputation.NewRegistry(repRepo, reputation.SlashPolicy{
		Mode:   s.cfg.SlashMode,
		Amount: s.cfg.SlashAmount,
		BPS:    s.cfg.SlashBPS,
	}, s.logger)
	s.escrow = escrow.NewService(escrowStore, s.ledger).
		WithBoundary(escrow.WindowBoundary(s.cfg.DisputeWindowBoundary)).
		WithLogger(s.logger)
	return nil
}

func (s *Server) setupSettlement(ctx context.Context) error {
	cfg := s.cfg

	if cfg.WebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.WebhookURL, !cfg.IsProduction()); err != nil {
			return fmt.Errorf("WEBHOOK_URL: %w", err)
		}
	}
	s.notifier = webhooks.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, s.deliveries, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	catalog := settlement.DefaultCatalog(settlement.CatalogDefaults{
		SLAMs:          cfg.DefaultSLAMs,
		DisputeWindowS: cfg.DefaultDisputeWindowS,
		MirrorBaseURL:  "http://localhost:" + cfg.Port,
	})
	opts := settlement.Options{
		Currency:            cfg.Currency,
		Network:             cfg.Network,
		EscrowProgramID:     cfg.EscrowProgramID,
		ReputationProgramID: cfg.ReputationProgramID,
		AutoSettle:          cfg.AutoSettle,
		ChunkDelay:          time.Duration(cfg.ChunkDelayMs) * time.Millisecond,
		TranscriptRingSize:  cfg.TranscriptRingSize,
		Retry: retry.Policy{
			Attempts:  cfg.LedgerRetryAttempts,
			BaseDelay: 50 * time.Millisecond,
			MaxDelay:  time.Second,
		},
	}

	var (
		executor settlement.Executor
		mock     *settlement.MockExecutor
	)
	if cfg.LedgerMode() {
		executor = settlement.NewLedgerExecutor(s.escrow, s.signer.Address())
	} else {
		mock = settlement.NewMockExecutor(s.signer.Address())
		executor = mock
	}

	s.orch = settlement.New(catalog, s.signer, executor, s.reputation, opts).
		WithLogger(s.logger).
		WithPublisher(s.realtimeHub)

	// Escrow calls made directly against the API settle through the same
	// chain in both modes.
	recorders := escrow.MultiRecorder{s.reputation, s.orch, s.notifier}
	s.escrow.WithRecorder(recorders)
	if mock != nil {
		mock.WithRecorder(recorders)
	}

	s.escrowTimer = escrow.NewTimer(s.escrow, time.Duration(cfg.SettleIntervalMs)*time.Millisecond, s.logger)
	s.reconciler = reconciliation.NewRunner(s.orch, s.escrow, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, time.Minute, s.logger)

	if cfg.LedgerMode() {
		if err := s.fundPayer(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("settlement ready",
		"mode", s.orch.Mode(),
		"provider", s.signer.Address(),
		"payer", s.payer.Address(),
		"auto_settle", cfg.AutoSettle,
		"webhooks", s.notifier.Enabled(),
	)
	return nil
}

// fundPayer tops the operator payer up to PAYER_FUNDING, so restarts on a
// durable ledger do not mint again.
func (s *Server) fundPayer(ctx context.Context) error {
	if s.cfg.PayerFunding <= 0 {
		return nil
	}
	bal, err := s.ledger.GetBalance(ctx, s.payer.Address())
	if err != nil {
		return fmt.Errorf("failed to read payer balance: %w", err)
	}
	if short := s.cfg.PayerFunding - bal.Available; short > 0 {
		ref := fmt.Sprintf("operator-funding/%d", time.Now().UnixNano())
		if err := s.ledger.Deposit(ctx, s.payer.Address(), short, ref); err != nil {
			return fmt.Errorf("failed to fund payer: %w", err)
		}
		s.logger.Info("operator payer funded", "payer", s.payer.Address(), "amount", short)
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Handler(s.health))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	v1.GET("/info", s.infoHandler)

	settlement.NewHandler(s.orch).RegisterRoutes(v1)

	repHandler := reputation.NewHandler(s.reputation)
	repHandler.RegisterRoutes(v1)
	repHandler.RegisterProtectedRoutes(protected)

	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterRoutes(v1.Group("/escrow"))
	escrowHandler.RegisterProtectedRoutes(protected.Group("/escrow"))

	ledger.NewHandler(s.ledger, !s.cfg.IsProduction(), s.logger).RegisterRoutes(v1.Group("/ledger"))
	policy.NewHandler(s.orch, s.reputation).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)
	webhooks.NewHandler(s.cfg.WebhookSecret, s.orch, s.deliveries).RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)

	v1.POST("/operator/run", s.rateLimiter.Middleware(nil), s.operatorRunHandler)
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
		"mode":                s.orch.Mode(),
		"provider":            s.signer.Address(),
		"payer":               s.payer.Address(),
		"currency":            s.cfg.Currency,
		"network":             s.cfg.Network,
		"escrowProgramId":     s.cfg.EscrowProgramID,
		"reputationProgramId": s.cfg.ReputationProgramID,
		"autoSettle":          s.cfg.AutoSettle,
		"webhooks":            s.notifier.Enabled(),
	})
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
			"mode", s.orch.Mode(),
			"provider", s.signer.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	if s.cfg.LedgerMode() {
		go s.reconTimer.Start(runCtx)
	}
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

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

	s.escrowTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("escrow timer stopped")

	s.rateLimiter.Stop()
	s.orch.Close()
	s.notifier.Wait()

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
