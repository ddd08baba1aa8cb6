// Package server wires the HTTP surface: stores, services, timers,
// middleware and routes.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbento/servpay/internal/advisor"
	"github.com/mbento/servpay/internal/booking"
	"github.com/mbento/servpay/internal/config"
	"github.com/mbento/servpay/internal/dispute"
	"github.com/mbento/servpay/internal/eligibility"
	"github.com/mbento/servpay/internal/escrow"
	"github.com/mbento/servpay/internal/health"
	"github.com/mbento/servpay/internal/idempotency"
	"github.com/mbento/servpay/internal/kvstore"
	"github.com/mbento/servpay/internal/metrics"
	"github.com/mbento/servpay/internal/notify"
	"github.com/mbento/servpay/internal/payments"
	"github.com/mbento/servpay/internal/ratelimit"
	"github.com/mbento/servpay/internal/realtime"
	"github.com/mbento/servpay/internal/security"
	"github.com/mbento/servpay/internal/traces"
	"github.com/mbento/servpay/internal/validation"
)

const sweepInterval = time.Minute

// Server is the assembled application.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db       *sql.DB
	notifier *notify.Notifier
	hub      *realtime.Hub
	limiter  *ratelimit.Limiter
	strict   *ratelimit.Limiter
	health   *health.Registry

	escrowSvc  *escrow.Service
	bookingSvc *booking.Service
	disputeSvc *dispute.Service

	escrowTimer  *escrow.Timer
	disputeTimer *dispute.Timer

	httpServer *http.Server
}

// New assembles the server from configuration. With DATABASE_URL unset
// everything runs on in-memory stores; with STRIPE_SECRET_KEY unset the
// fake gateway records money movement instead of calling out.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, health: health.NewRegistry()}

	var (
		bookingStore booking.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
		accounts     eligibility.AccountDirectory
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db
		bookingStore = booking.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		accounts = eligibility.NewPostgresAccounts(db)

		s.health.Register("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		bookingStore = booking.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		accounts = eligibility.NewMemoryAccounts()
	}

	var gateway payments.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeSecretKey)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, using fake payment gateway")
		gateway = payments.NewFakeGateway()
	}

	var adv dispute.Advisor
	if cfg.AdvisorURL != "" {
		adv = advisor.NewClient(cfg.AdvisorURL, logger)
	} else {
		logger.Warn("ADVISOR_URL not set, using static advisor")
		adv = advisor.NewStatic()
	}

	s.hub = realtime.NewHub(logger)
	s.notifier = notify.New(logger, &notify.LogSink{Logger: logger}, s.hub)

	s.escrowSvc = escrow.NewService(escrowStore, gateway, s.notifier, escrow.Config{
		PlatformFeePct:    cfg.PlatformFeePct,
		AutoReleaseWindow: cfg.AutoReleaseWindow,
		Currency:          cfg.Currency,
	}, logger)

	gate := eligibility.NewGate(bookingStore, accounts, cfg.InstantRailMaxCents)

	s.bookingSvc = booking.NewService(bookingStore, s.escrowSvc, gate, s.notifier, cfg.Currency)

	s.disputeSvc = dispute.NewService(disputeStore,
		disputeLedger{escrow: s.escrowSvc},
		bookingDirectory{bookings: s.bookingSvc},
		adv, s.notifier, dispute.Config{
			NegotiationWindow:     cfg.NegotiationWindow,
			NegotiationMinElapsed: cfg.NegotiationMinElapsed,
			MediationWindow:       cfg.MediationWindow,
			DecisionReviewWindow:  cfg.DecisionReviewWindow,
			ExternalPenaltyPct:    cfg.ExternalPenaltyPct,
		}, logger)

	s.escrowTimer = escrow.NewTimer(s.escrowSvc, sweepInterval, logger)
	s.disputeTimer = dispute.NewTimer(s.disputeSvc, sweepInterval, logger)
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitRPM / 2,
		CleanupInterval:   5 * time.Minute,
	})
	s.strict = ratelimit.New(ratelimit.StrictConfig())

	s.router = s.buildRouter(eligibility.NewHandler(gate))
	return s, nil
}

func (s *Server) buildRouter(eligibilityHandler *eligibility.Handler) *gin.Engine {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())
	r.Use(security.HeadersMiddleware())
	r.Use(security.CORSMiddleware(nil))
	r.Use(metrics.Middleware())
	r.Use(validation.RequestSizeMiddleware(1 << 20))

	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		healthy, statuses := s.health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
	})
	r.GET("/metrics", metrics.Handler())

	idemStore := kvstore.NewMemory()

	api := r.Group("/v1")
	api.Use(actorMiddleware())
	api.Use(s.limiter.Middleware("api"))
	api.Use(idempotency.Middleware(idemStore, s.cfg.IdempotencyTTL))

	booking.NewHandler(s.bookingSvc).RegisterRoutes(api)
	escrow.NewHandler(s.escrowSvc).RegisterRoutes(api, s.strict)
	dispute.NewHandler(s.disputeSvc).RegisterRoutes(api, s.strict)
	eligibilityHandler.RegisterRoutes(api)

	api.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request, c.GetString("authUserID"))
	})

	admin := r.Group("/admin")
	admin.Use(s.adminMiddleware())
	admin.Use(s.strict.Middleware("admin"))
	admin.Use(idempotency.Middleware(idemStore, s.cfg.IdempotencyTTL))
	escrow.NewHandler(s.escrowSvc).RegisterAdminRoutes(admin)

	return r
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the background workers and serves HTTP until ctx is
// cancelled, then shuts everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.TracingEndpoint != "" {
		shutdown, err := traces.Init(ctx, s.cfg.TracingEndpoint, s.logger)
		if err != nil {
			s.logger.Error("tracing init failed, continuing without", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go s.hub.Run(hubCtx)
	s.escrowTimer.Start()
	s.disputeTimer.Start()
	if s.db != nil {
		go metrics.CollectRuntime(ctx, s.db, 15*time.Second)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", "error", err)
	}

	s.escrowTimer.Stop()
	s.disputeTimer.Stop()
	s.limiter.Stop()
	s.strict.Stop()
	s.notifier.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close failed", "error", err)
		}
	}
	return nil
}
