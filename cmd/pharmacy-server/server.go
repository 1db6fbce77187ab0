package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/config"
	"github.com/clinic/pharmacy/internal/domain/dispensing"
	"github.com/clinic/pharmacy/internal/domain/stock"
	"github.com/clinic/pharmacy/internal/domain/visit"
	"github.com/clinic/pharmacy/internal/platform/auth"
	"github.com/clinic/pharmacy/internal/platform/db"
	"github.com/clinic/pharmacy/internal/platform/middleware"
	"github.com/clinic/pharmacy/internal/platform/scheduling"
	"github.com/clinic/pharmacy/internal/platform/telemetry"
	"github.com/clinic/pharmacy/migrations"
)

const version = "0.1.0"

// app holds the wired services shared by the HTTP server and the scheduler.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	metrics  *telemetry.Metrics
	stock    *stock.Service
	visits   *visit.Service
	engine   *dispensing.Engine
	sessions *dispensing.Store
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newApp connects storage and builds the domain services. With the memory
// driver no database is opened.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	var (
		stockRepo stock.Repository
		visitRepo visit.Repository
	)
	if cfg.UsesMemoryStorage() {
		stockRepo = stock.NewMemoryRepo()
		visitRepo = visit.NewMemoryRepo()
		logger.Warn().Msg("using in-memory storage; stock and visits are lost on restart")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		stockRepo = stock.NewRepoPG(pool)
		visitRepo = visit.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	a.stock = stock.NewService(stockRepo)
	a.visits = visit.NewService(visitRepo)
	a.engine = dispensing.NewEngine(a.stock, a.visits, logger, a.metrics)
	a.sessions = dispensing.NewStore(a.metrics)
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// clinicScope pins background work to the default clinic schema. It is nil
// for memory storage, which has a single catalog.
func (a *app) clinicScope() scheduling.ScopeFunc {
	if a.pool == nil {
		return nil
	}
	return func(ctx context.Context) (context.Context, func(), error) {
		return db.WithClinic(ctx, a.pool, a.cfg.DefaultClinic)
	}
}

func (a *app) expiryWindow() time.Duration {
	return time.Duration(a.cfg.ExpiryWarningDays) * 24 * time.Hour
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Clinic-ID"},
	}))
	e.Use(a.metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"storage": a.cfg.StorageDriver,
		})
	})
	e.GET("/metrics", a.metrics.Handler())
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, a.cfg.DefaultClinic, db.NewMigrator(a.pool, migrations.FS)))
	}

	apiV1 := e.Group("/api/v1")
	rateLimit := middleware.DefaultRateLimitConfig()
	rateLimit.RequestsPerSecond = a.cfg.RateLimitRPS
	rateLimit.BurstSize = a.cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rateLimit))
	if a.cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			JWKSURL:    a.cfg.AuthJWKSURL,
			SigningKey: []byte(a.cfg.AuthSigningKey),
		}))
	}
	if a.pool != nil {
		apiV1.Use(db.ClinicMiddleware(a.pool, a.cfg.DefaultClinic))
	}
	apiV1.Use(middleware.Audit(a.logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		a.metrics.APIWrite(entry.Resource, entry.Action, entry.StatusCode)
		return nil
	})))

	stock.NewHandler(a.stock, a.metrics, stock.AdvisoryDefaults{
		LowStockThreshold: a.cfg.LowStockThreshold,
		ExpiryWindow:      a.expiryWindow(),
	}).RegisterRoutes(apiV1)
	visit.NewHandler(a.visits).RegisterRoutes(apiV1)
	dispensing.NewHandler(a.engine, a.sessions, a.visits).RegisterRoutes(apiV1)

	return e
}

// scheduler registers the background jobs enabled by configuration.
func (a *app) scheduler() (*scheduling.Scheduler, error) {
	s := scheduling.New(a.logger, a.metrics)
	if a.cfg.ReportInterval > 0 {
		err := s.AddAdvisory(a.stock, a.clinicScope(), scheduling.AdvisoryConfig{
			ClinicID:          a.cfg.DefaultClinic,
			Interval:          a.cfg.ReportInterval,
			LowStockThreshold: a.cfg.LowStockThreshold,
			ExpiryWindow:      a.expiryWindow(),
		})
		if err != nil {
			return nil, err
		}
	}
	if a.cfg.SessionIdle > 0 {
		interval := a.cfg.SessionIdle / 4
		if interval < time.Minute {
			interval = time.Minute
		}
		if err := s.AddSessionSweep(a.sessions, interval, a.cfg.SessionIdle); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	e := a.router()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Int("open_sessions", a.sessions.Len()).Msg("server stopped")
	return nil
}
