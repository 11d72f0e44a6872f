package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/coordinator"
	"github.com/jkaninda/sandboxd/internal/files"
	"github.com/jkaninda/sandboxd/internal/gateway"
	"github.com/jkaninda/sandboxd/internal/gateway/httpapi"
	"github.com/jkaninda/sandboxd/internal/gateway/mcpserver"
	"github.com/jkaninda/sandboxd/internal/identity"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/ratelimit"
	"github.com/jkaninda/sandboxd/internal/reaper"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/storage"
	pgstore "github.com/jkaninda/sandboxd/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sandboxd/internal/storage/sqlite"
	"github.com/jkaninda/sandboxd/internal/tools"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox execution server (REST + MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandboxd --config path` and `sandboxd serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "sandboxd.yaml", "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override listen address (e.g. :8000)")
	}
}

// runServe starts sandboxd: storage, docker driver, coordinator, reaper,
// and the HTTP gateway carrying both the REST API and the MCP endpoints.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDBOXD_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}

	logger.Info("starting sandboxd",
		slog.String("version", version),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("storage", cfg.Storage.StorageDriver()),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()
	obs.Health.AddCheck("storage", store.Ping)

	// Result file publisher.
	resultsRoot, err := cfg.ResolvedResultsRoot()
	if err != nil {
		return err
	}
	publisher, err := files.NewPublisher(resultsRoot, logger)
	if err != nil {
		return fmt.Errorf("initializing publisher: %w", err)
	}

	// Docker driver.
	driver := sandbox.NewDockerDriver(sandbox.DockerConfig{
		Image:       cfg.Sandbox.Image(),
		ExecTimeout: cfg.Sandbox.ExecTimeout(),
		MemoryMB:    cfg.Sandbox.MaxMemoryMB,
		CPUCores:    cfg.Sandbox.CPUCores,
		PIDsLimit:   cfg.Sandbox.PIDsLimit,
		DisableNet:  cfg.Sandbox.DisableNetwork,
	}, logger)
	obs.Health.AddCheck("runtime", driver.Ping)

	// Identity.
	signingKey, err := hex.DecodeString(cfg.Auth.SessionSigningKey)
	if err != nil {
		return fmt.Errorf("decoding session signing key: %w", err)
	}
	ids := identity.NewService(identity.Config{
		SigningKey:        signingKey,
		TokenTTL:          cfg.Auth.TokenTTL(),
		MinPasswordLength: cfg.Auth.MinPasswordLength,
	}, store.Users(), logger)

	// Coordinator.
	coord := coordinator.New(coordinator.Config{
		ExecTimeout: cfg.Sandbox.ExecTimeout(),
		UserLimit:   cfg.Sandbox.UserLimit(),
		PipIndexURL: cfg.Sandbox.PipIndexURL,
	}, store.Sandboxes(), driver, publisher, obs.Metrics, logger)
	defer coord.Wait()

	// Reaper.
	reap := reaper.New(reaper.Config{
		Interval:            cfg.Reaper.Interval(),
		InactivityThreshold: cfg.Reaper.InactivityThreshold(),
		FileTTL:             cfg.Reaper.FileTTL(),
	}, coord, store.Sandboxes(), driver, publisher, obs.Metrics, logger)
	stopReaper, err := reap.Start(ctx)
	if err != nil {
		return err
	}
	defer stopReaper()

	// Tool surface, shared by REST and MCP.
	surface := tools.NewSurface(coord, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
		logger.Debug("rate limiting enabled",
			slog.Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute),
			slog.Int("burst_size", cfg.RateLimit.BurstSize),
		)
	}

	mcp := mcpserver.New(surface, ids, logger)

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.ListenAddr,
		EnableDocs:    true,
		HealthChecker: obs.Health,
		Metrics:       obs.Metrics,
	}
	if obs.Metrics != nil {
		gwCfg.MetricsRegistry = obs.Metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if obs.Tracer != nil {
		gwCfg.Tracer = obs.Tracer.Tracer()
	}

	httpGW := httpapi.NewGateway(gwCfg, ids, surface, publisher, limiter, logger).
		WithHandler("GET", "/sse", mcp.SSEHandler()).
		WithHandler("POST", "/message", mcp.MessageHandler()).
		WithOpenAPIDocs()

	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.Storage.StorageDriver()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var sqliteCfg *config.SQLiteStorageConfig
	if cfg.Storage != nil {
		sqliteCfg = cfg.Storage.SQLite
	}

	journalMode := "wal"
	if sqliteCfg != nil && sqliteCfg.JournalMode != "" {
		journalMode = sqliteCfg.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        sqliteCfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDBOXD_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	return pgstore.Open(pgCfg, logger)
}
