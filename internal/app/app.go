// Package app wires the KME's components together and runs the HTTP
// server. Everything is constructed once here and threaded through via
// dependency injection; no package-level singletons.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/etsi014/kme/internal/config"
	"github.com/etsi014/kme/internal/httpserver"
	"github.com/etsi014/kme/internal/platform"
	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/alerting"
	"github.com/etsi014/kme/pkg/audit"
	"github.com/etsi014/kme/pkg/etsiapi"
	"github.com/etsi014/kme/pkg/keygen"
	"github.com/etsi014/kme/pkg/keystore"
	"github.com/etsi014/kme/pkg/kmesync"
	"github.com/etsi014/kme/pkg/peerapi"
	"github.com/etsi014/kme/pkg/peerclient"
	"github.com/etsi014/kme/pkg/pool"
)

// Run reads config, wires every component, and runs the HTTP server until
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.KMSID)
	slog.SetDefault(logger)

	logger.Info("starting kme",
		"sae_id", cfg.SAEID,
		"listen", cfg.ListenAddr(),
		"peer_url", cfg.PeerURL,
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "kme-"+cfg.KMSID)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	// Audit sink: Postgres-backed when DATABASE_URL is set, otherwise the
	// buffered writer flushes into audit.NoopSink, which discards events.
	// Persistence is optional; the service runs without it.
	var db *pgxpool.Pool
	var auditSink audit.Sink = audit.NoopSink{}
	if cfg.DatabaseURL != "" {
		db, err = platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to audit database: %w", err)
		}
		defer db.Close()
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running audit migrations: %w", err)
		}
		auditSink = platform.NewAuditSink(db)
		logger.Info("audit sink: postgres", "migrations_dir", cfg.MigrationsDir)
	} else {
		logger.Info("audit sink: disabled (DATABASE_URL not set, events are discarded)")
	}

	// Pool health publisher: Redis pub/sub when REDIS_URL is set, otherwise
	// a no-op. Publishing is informational only; nothing in-process
	// subscribes to it.
	var rdb *redis.Client
	var poolEvents pool.EventPublisher = pool.NoopPublisher{}
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		poolEvents = platform.NewRedisPoolPublisher(rdb, cfg.PoolEventChannel, logger)
		logger.Info("pool health events: redis", "channel", cfg.PoolEventChannel)
	} else {
		logger.Info("pool health events: disabled (REDIS_URL not set)")
	}

	auditWriter := audit.NewWriter(auditSink, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	alerts := alerting.NewNotifier(cfg.SlackWebhookURL, logger)
	if alerts.IsEnabled() {
		logger.Info("operator alerting: slack webhook enabled")
	} else {
		logger.Info("operator alerting: disabled (SLACK_WEBHOOK_URL not set)")
	}

	store := keystore.New()

	gen, err := keygen.New(cfg.KMSID)
	if err != nil {
		return fmt.Errorf("initializing key generator: %w", err)
	}

	peerTimeout := time.Duration(cfg.PeerTimeoutSec) * time.Second
	peer := peerclient.New(cfg.PeerURL, cfg.KMSID, peerTimeout, logger)

	synchronizer := kmesync.New(cfg.KMSID, store, gen, peer, auditWriter, alerts, logger)

	poolMgr := pool.NewManager(store.CountAvailable, synchronizer, pool.CompositeEventPublisher{poolEvents, alerts}, logger)
	poolMgr.SetDefaultConfig(pool.Config{
		MinPoolSize:        cfg.PoolMin,
		MaxPoolSize:        cfg.PoolMax,
		ReplenishThreshold: cfg.PoolReplenishThreshold,
	})

	if cfg.KeyTTLSec > 0 {
		go runTTLSweeper(ctx, store, time.Duration(cfg.KeyTTLSec)*time.Second, logger)
	}

	replenishInterval := time.Duration(cfg.PoolReplenishIntervalSec) * time.Second
	go poolMgr.RunBackground(ctx, store.Pairs, replenishInterval)

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, cfg.MetricsPath)

	etsiHandler := etsiapi.NewHandler(cfg.KMSID, store, synchronizer, etsiapi.Config{
		DefaultKeySize:    cfg.DefaultKeySizeBytes,
		MaxKeySize:        cfg.MaxKeySizeBytes,
		MinKeySize:        keygen.MinKeySize,
		MaxKeysPerRequest: cfg.MaxKeysPerRequest,
		MaxSAEIDCount:     1,
	}, logger)

	peerHandler := peerapi.NewHandler(cfg.KMSID, cfg.SAEID, store, poolMgr, logger)

	srv.APIRouter.Post("/keys/enc_keys", etsiHandler.EncKeys)
	srv.APIRouter.Post("/keys/dec_keys", etsiHandler.DecKeys)
	srv.APIRouter.Get("/keys/{masterSAEID}/status", func(w http.ResponseWriter, r *http.Request) {
		etsiHandler.Status(w, r, chi.URLParam(r, "masterSAEID"))
	})

	srv.APIRouter.Post("/kme/sync", peerHandler.Sync)
	srv.APIRouter.Post("/kme/verify", peerHandler.Verify)
	srv.APIRouter.Post("/kme/pool/status", peerHandler.PoolStatus)
	srv.APIRouter.Post("/kme/pool/replenish", peerHandler.PoolReplenish)
	srv.APIRouter.Get("/kme/status", peerHandler.Status)
	srv.APIRouter.Get("/kme/stats", peerHandler.Stats)
	srv.Router.Get("/health", peerHandler.Health)

	requestTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      http.TimeoutHandler(srv, requestTimeout, `{"error":"request_timeout"}`),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kme api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down kme api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runTTLSweeper periodically purges unconsumed keys older than ttl. Only
// started when KEY_TTL_SEC is configured; by default keys live until
// consumed, so this loop is opt-in.
func runTTLSweeper(ctx context.Context, store *keystore.Store, ttl time.Duration, logger *slog.Logger) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := store.PurgeExpired(ttl); removed > 0 {
				telemetry.KeysPurgedTotal.Add(float64(removed))
				logger.Info("ttl sweep purged expired keys", "count", removed)
			}
		}
	}
}
