package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/labbridge/internal/config"
	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/domain/ingest"
	"github.com/ehr/labbridge/internal/domain/mapping"
	"github.com/ehr/labbridge/internal/domain/reconciliation"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/internal/platform/dropdir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
	"github.com/ehr/labbridge/internal/platform/middleware"
	"github.com/ehr/labbridge/internal/platform/mqttsub"
	"github.com/ehr/labbridge/internal/platform/validate"
)

// httpBodyCeiling bounds HTTP bodies at a multiple of the message cap.
// Bodies between the cap and the ceiling reach ingestion and are logged as
// rejected; anything larger is refused with 413.
const httpBodyCeiling = 4

func newServer(a *app, pool *pgxpool.Pool) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-API-Key"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	checks := map[string]db.Checker{}
	if a.events != nil {
		checks["events"] = a.events.Ping
	}
	e.GET("/health/db", db.ReadyHandler(pool, checks))

	mws := []echo.MiddlewareFunc{middleware.BodyLimit(a.maxSize * httpBodyCeiling)}
	if cfg.RequestTimeout > 0 {
		mws = append(mws, middleware.RequestTimeout(cfg.RequestTimeout))
	}
	if a.apiKeys != nil {
		mws = append(mws, auth.APIKeyMiddleware(a.apiKeys))
	}
	mws = append(mws, authMiddleware(cfg), middleware.Audit(a.logger), db.TenantMiddleware(pool, cfg.DefaultTenant))
	lab := e.Group("/api/v1/lab", mws...)
	device.NewHandler(a.devices).RegisterRoutes(lab)
	mapping.NewHandler(a.mappings).RegisterRoutes(lab)
	commlog.NewHandler(a.logs).RegisterRoutes(lab)
	staging.NewHandler(a.staging).RegisterRoutes(lab)

	var intake []echo.MiddlewareFunc
	if cfg.IntakeRateLimit > 0 {
		intake = append(intake, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.IntakeRateLimit,
			BurstSize:         cfg.IntakeRateBurst,
			ExpiresIn:         middleware.DefaultRateLimitConfig().ExpiresIn,
		}, a.logger))
	}
	ingest.NewHandler(a.ingest).RegisterRoutes(lab, intake...)
	reconciliation.NewHandler(a.engine).RegisterRoutes(lab)

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(cfg.DefaultTenant)
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer a.close()

	go func() {
		if err := a.scripts.Watch(ctx); err != nil {
			logger.Error().Err(err).Msg("parse script watcher stopped")
		}
	}()

	transports := a.ingest.Transports(cfg.DefaultTenant)

	if cfg.MLLPAddr != "" {
		mllp := hl7v2.NewMLLPServer(cfg.MLLPAddr, int(a.maxSize), transports.HandleMLLP, logger)
		mllp.SetAckObserver(transports.ObserveACK)
		go func() {
			if err := mllp.Start(); err != nil {
				logger.Error().Err(err).Msg("MLLP server failed")
			}
		}()
		defer mllp.Stop()
		logger.Info().Str("addr", cfg.MLLPAddr).Msg("MLLP listener started")
	}

	if cfg.MQTTBroker != "" {
		sub, err := mqttsub.New(mqttsub.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topics:   cfg.MQTTTopics,
		}, transports.HandleMQTT, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid MQTT configuration")
		}
		if err := sub.Start(); err != nil {
			logger.Error().Err(err).Msg("MQTT subscriber failed to connect")
		} else {
			defer sub.Stop()
		}
	}

	if cfg.DropDir != "" {
		w, err := dropdir.New(cfg.DropDir, a.maxSize, transports.HandleFile, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid drop folder")
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("drop folder watcher stopped")
			}
		}()
	}

	e := newServer(a, pool)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
