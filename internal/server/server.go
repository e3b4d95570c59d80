// Package server hosts the HTTP API: auth, learner questions, trainer
// escalation handling and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/assembler"
	"github.com/pathlight-learning/pathlight/internal/cache"
	"github.com/pathlight-learning/pathlight/internal/escalation"
	"github.com/pathlight-learning/pathlight/internal/governance"
	"github.com/pathlight-learning/pathlight/internal/llm"
	"github.com/pathlight-learning/pathlight/internal/pipeline"
	"github.com/pathlight-learning/pathlight/internal/query"
	"github.com/pathlight-learning/pathlight/internal/retrieval"
	"github.com/pathlight-learning/pathlight/internal/store"
	"github.com/pathlight-learning/pathlight/internal/telemetry"
)

// Run loads configuration, wires the pipeline and serves until the listener
// fails.
func Run(cfgPath string) error {
	cfg := config.LoadConfig(cfgPath)
	if err := cfg.Validate(); err != nil {
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
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	ctx := context.Background()
	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}

	var chunkCache cache.Cache
	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" && cfg.Databases.Redis.Enabled() {
		rc, err := cache.NewRedis(ctx, cfg.Databases.Redis, "pathlight")
		if err != nil {
			return err
		}
		chunkCache = rc
		rdb = rc.Client()
	} else {
		chunkCache = cache.NewMemory()
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(nil)
	} else {
		metrics = telemetry.NewNop()
	}

	processor := query.NewProcessor(st, provider, cfg.Escalation,
		log.New(log.Writer(), "[QUERY] ", log.LstdFlags))
	engine := retrieval.New(st, provider, chunkCache,
		log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
		cfg.Retrieval, cfg.LLM, cfg.Cache)
	asm := assembler.New(cfg.Assembler)
	governor := governance.New(cfg.Governance)

	var notifier escalation.Notifier
	escLogger := log.New(log.Writer(), "[ESCALATION] ", log.LstdFlags)
	if rdb != nil {
		notifier = &escalation.RedisNotifier{Client: rdb}
	}
	escalations := escalation.New(st, notifier, escLogger)

	pipe := pipeline.New(processor, engine, asm, governor, escalations, provider,
		st, metrics, log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		cfg.Escalation, cfg.Governance)

	secret := []byte(cfg.General.JWTSecret)
	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	qh := &QuestionsHandler{Pipeline: pipe, History: st}
	qh.Register(api.Group("/courses"), secret)

	eh := &EscalationsHandler{Manager: escalations}
	eh.Register(api.Group("/escalations"), secret)

	sched := &Scheduler{
		Escalations: escalations,
		Rdb:         rdb,
		Cfg:         cfg.Escalation,
		Logger:      log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		Stop:        make(chan struct{}),
	}
	sched.Start()
	defer close(sched.Stop)

	return e.Start(cfg.General.Listen)
}
