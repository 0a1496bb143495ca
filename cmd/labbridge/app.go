package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/config"
	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/domain/ingest"
	"github.com/ehr/labbridge/internal/domain/mapping"
	"github.com/ehr/labbridge/internal/domain/reconciliation"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/db"
	"github.com/ehr/labbridge/internal/platform/events"
	"github.com/ehr/labbridge/internal/platform/middleware"
	"github.com/ehr/labbridge/internal/platform/orderapi"
	"github.com/ehr/labbridge/internal/platform/scripting"
)

// app holds the wired services shared by serve and the one-shot commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	tx      *db.TxRunner
	maxSize int64

	devices  *device.Service
	mappings *mapping.Service
	logs     *commlog.Service
	staging  *staging.Service
	ingest   *ingest.Service
	engine   *reconciliation.Engine
	scripts  *scripting.Engine
	events   *events.RedisPublisher
	apiKeys  *auth.APIKeyManager
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		tx:      db.NewTxRunner(pool, cfg.DefaultTenant),
		maxSize: middleware.ParseSize(cfg.MaxMessageSize),
	}

	if len(cfg.AnalyzerAPIKeys) > 0 {
		keys := make([]*auth.APIKey, 0, len(cfg.AnalyzerAPIKeys))
		for _, entry := range cfg.AnalyzerAPIKeys {
			k, err := auth.ParseAPIKey(entry)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		a.apiKeys = auth.NewAPIKeyManager(auth.NewInMemoryAPIKeyStore(keys...))
		logger.Info().Int("keys", len(keys)).Msg("analyzer api keys loaded")
	}

	scripts, err := scripting.NewEngine(cfg.ParserScriptsDir, logger)
	if err != nil {
		return nil, err
	}
	a.scripts = scripts

	a.devices = device.NewService(device.NewRepoPG(pool), logger)
	a.devices.SetScriptCatalog(scripts)
	a.mappings = mapping.NewService(mapping.NewRepoPG(pool), a.devices, a.tx, logger)
	a.logs = commlog.NewService(commlog.NewRepoPG(pool), a.devices, logger)
	a.staging = staging.NewService(staging.NewRepoPG(pool), a.devices, logger)
	a.ingest = ingest.NewService(a.devices, a.logs, a.staging, a.tx, int(a.maxSize), logger)
	a.ingest.SetScriptRunner(scripts)

	if cfg.OrderAPIURL == "" {
		logger.Warn().Msg("ORDER_API_URL not set; posting results will fail with transport errors")
	}
	orders := orderapi.New(cfg.OrderAPIURL, cfg.OrderAPIToken, cfg.OrderAPITimeout, logger)
	a.engine = reconciliation.NewEngine(a.devices, a.mappings, a.staging, orders, logger)
	// A claim outlives the two order calls it covers.
	if lease := 4 * cfg.OrderAPITimeout; lease > reconciliation.DefaultClaimLease {
		a.engine.SetClaimLease(lease)
	}

	if cfg.RedisURL != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.RedisURL, cfg.EventStream, logger)
		if err != nil {
			return nil, err
		}
		a.events = pub
		a.staging.SetEventSink(pub)
		a.ingest.SetEventSink(pub)
	}

	if cfg.ReconcileOnIngest {
		a.ingest.SetAfterIngest(func(ctx context.Context, rows []*staging.Row) {
			a.engine.AutoReconcile(ctx, rows)
		})
	}
	return a, nil
}

func (a *app) close() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close event publisher")
		}
	}
}

// asSystem runs fn pinned to tenant with full capabilities, the way the
// transports and CLI commands act on behalf of the analyzer.
func (a *app) asSystem(ctx context.Context, tenant string, fn func(ctx context.Context, caps auth.Capabilities) error) error {
	return a.tx.AsTenant(ctx, tenant, func(ctx context.Context) error {
		return fn(ctx, auth.SystemCapabilities())
	})
}
