package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/ensemblehq/ensemble/config"
	"github.com/ensemblehq/ensemble/internal/backend/rest"
	"github.com/ensemblehq/ensemble/internal/orchestration"
	"github.com/ensemblehq/ensemble/internal/queue/streams"
	"github.com/ensemblehq/ensemble/internal/runtime"
	"github.com/ensemblehq/ensemble/internal/store"
	"github.com/ensemblehq/ensemble/internal/telemetry"
	"github.com/ensemblehq/ensemble/internal/traceindex"
)

// Run wires the full service and blocks serving HTTP until the listener
// fails. Postgres and redis are optional; without them sessions live only
// in memory and chunk fan-out stays local.
func Run(addr string) error {
	cfg, err := appconfig.LoadConfig()
	if err != nil {
		return err
	}

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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	if cfg.Telemetry.Enabled {
		path := cfg.Telemetry.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.Handler()))
	}

	ctx := context.Background()

	// Durable store (optional)
	var st *store.Store
	if cfg.Storage.Postgres.URL != "" || cfg.Storage.Postgres.Host != "" {
		_ = Migrate("file://migrations", cfg.Storage.Postgres.URL, "up", 0)
		st, err = store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("postgres connection failed: %w", err)
		}
	} else {
		log.Printf("postgres not configured, sessions will not survive restarts")
	}

	// Chunk fan-out over redis streams (optional)
	var fanout *streams.Fanout
	if cfg.Storage.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		fanout = streams.NewFanout(streams.NewPublisher(rdb), cfg.Storage.Redis.StreamCap)
	}

	idx, err := traceindex.New()
	if err != nil {
		return err
	}

	agents, err := rest.New(rest.Config{
		BaseURL:            cfg.Backend.BaseURL,
		APIKey:             cfg.Backend.APIKey,
		Timeout:            cfg.Backend.Timeout,
		Retries:            cfg.Backend.MaxRetries,
		Backoff:            cfg.Backend.RetryBackoff,
		RatePerSec:         cfg.Backend.RatePerSec,
		Burst:              cfg.Backend.RateBurst,
		BreakerMaxFailures: cfg.Backend.BreakerMaxFailures,
		BreakerOpenFor:     cfg.Backend.BreakerOpenFor,
	})
	if err != nil {
		return err
	}

	var hookFor orchestration.ChunkHookFactory
	if fanout != nil {
		hookFor = fanout.ChunkHook
	}
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	engine := orchestration.NewEngine(agents, metrics, newPersistSink(st, idx, fanout), hookFor, orchestration.Options{
		CreateAttempts:     cfg.Orchestration.CreateAttempts,
		CreateBackoff:      cfg.Orchestration.CreateBackoff,
		StepTimeout:        cfg.Orchestration.StepTimeout,
		NegotiationTimeout: cfg.Orchestration.NegotiationTimeout,
		ApprovalTimeout:    cfg.Orchestration.ApprovalTimeout,
		ChunkBuffer:        cfg.Orchestration.ChunkBuffer,
		MaxPlanSteps:       cfg.Orchestration.MaxPlanSteps,
		AllowedToolRefs:    cfg.Orchestration.AllowedToolRefs,
	})

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret, TokenTTL: cfg.Server.TokenTTL}
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{Engine: engine, Store: st, Index: idx}
	sh.Register(api.Group("/sessions"), secret)

	if cfg.Janitor.Enabled {
		keepFor, err := time.ParseDuration(cfg.Janitor.KeepFor)
		if err != nil {
			return fmt.Errorf("invalid janitor keep_for %q: %w", cfg.Janitor.KeepFor, err)
		}
		jan := &Janitor{
			Engine:   engine,
			Store:    st,
			Index:    idx,
			CronSpec: cfg.Janitor.CronSpec,
			KeepFor:  keepFor,
			Stop:     make(chan struct{}),
		}
		jan.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
