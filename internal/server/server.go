package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/mohammad-safakhou/breakhunt/config"
	"github.com/mohammad-safakhou/breakhunt/internal/execsvc"
	"github.com/mohammad-safakhou/breakhunt/internal/orchestrator"
	"github.com/mohammad-safakhou/breakhunt/internal/quota"
	"github.com/mohammad-safakhou/breakhunt/internal/runtime"
	"github.com/mohammad-safakhou/breakhunt/internal/session"
	"github.com/mohammad-safakhou/breakhunt/internal/store"
)

// Run wires the service together and serves until the context is cancelled.
func Run(ctx context.Context, cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	metricsPath := cfg.Telemetry.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))

	tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "breakhunt",
		ServiceVersion: "dev",
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shCtx)
	}()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	db, err := runtime.OpenPostgres(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	st := &store.Store{DB: db}

	if cfg.Storage.Redis.Host == "" || cfg.Storage.Redis.Port == "" {
		return fmt.Errorf("redis not configured (storage.redis.host/port)")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	defer rdb.Close()

	ledger, err := quota.NewLedger(quota.NewRedisStore(rdb), cfg.Hunt.PerTurnMax)
	if err != nil {
		return err
	}

	exec, err := execsvc.New(cfg.Exec.BaseURL, cfg.Exec.Timeout)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(ledger, exec, orchestrator.Options{
		MaxWorkers:        cfg.Hunt.MaxWorkers,
		DefaultProvider:   cfg.Hunt.DefaultProvider,
		DefaultJudgeModel: cfg.Hunt.DefaultJudgeModel,
		RetryBudget:       cfg.Hunt.RetryBudget,
		ReasoningFraction: cfg.Hunt.ReasoningFraction,
		LaunchTimeout:     cfg.Hunt.LaunchTimeout,
		ReconnectDelay:    cfg.Exec.ReconnectDelay,
		PollDelay:         cfg.Exec.PollDelay,
	}, nil)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth, err := initAuth(ctx, st, secret)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))
	sh := NewSessionsHandler(cfg, st, registry, ledger, orch, exec)
	sh.Register(api.Group("/sessions"), secret)

	cleaner := &Cleaner{
		Registry: registry,
		Store:    st,
		Rdb:      rdb,
		Cron:     cfg.Server.CleanerCron,
		TTL:      cfg.Server.SessionTTL,
		Stop:     make(chan struct{}),
	}
	cleaner.Start()
	defer close(cleaner.Stop)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10002"
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := cfg.Server.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return e.Shutdown(shCtx)
}
