package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/config"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/sargo-finance/sargo/service/metrics"
	natspkg "github.com/sargo-finance/sargo/service/nats"
	"github.com/sargo-finance/sargo/service/server"
)

// persistentStore is what the server needs from a database-backed store.
type persistentStore interface {
	escrow.Store
	server.StoreReader
}

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"store", cfg.StoreDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	store, closeStore, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Event publishing is optional; without NATS the engine discards events.
	var sink events.Sink = events.Discard{}
	var source server.EventSource
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sink = publisher

		stream, err := server.NewEventStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to open NATS event stream", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
		source = stream
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, escrow events will not be published")
	}

	tokens := ledger.NewMemory(logger)
	guard := access.NewGuard(cfg.OwnerAddress, logger)
	for role, ids := range map[access.Role][]account.Identity{
		access.RoleOperator: cfg.OperatorAddresses,
		access.RoleArbiter:  cfg.ArbiterAddresses,
		access.RoleAgent:    cfg.AgentAddresses,
	} {
		if err := guard.GrantAll(cfg.OwnerAddress, role, ids); err != nil {
			logger.Error("failed to grant configured roles", "error", err)
			os.Exit(1)
		}
	}
	fees, err := fee.NewPolicy(cfg.FeeRates, guard, sink, logger)
	if err != nil {
		logger.Error("invalid fee rates", "error", err)
		os.Exit(1)
	}

	opts := []escrow.Option{
		escrow.WithLogger(logger),
		escrow.WithSink(sink),
		escrow.WithRecorder(m),
	}
	if store != nil {
		opts = append(opts, escrow.WithStore(store))
	}
	engine, err := escrow.New(
		escrow.Config{Escrow: cfg.EscrowAddress, Treasury: cfg.TreasuryAddress},
		tokens, guard, fees, earnings.NewTracker(), opts...,
	)
	if err != nil {
		logger.Error("failed to create escrow engine", "error", err)
		os.Exit(1)
	}
	if err := engine.Restore(ctx); err != nil {
		logger.Error("failed to restore escrow state", "error", err)
		os.Exit(1)
	}

	deps := server.Deps{
		Engine:  engine,
		Ledger:  tokens,
		Guard:   guard,
		Fees:    fees,
		Events:  source,
		Metrics: m,
	}
	if store != nil {
		deps.Store = store
	}
	httpServer := server.New(cfg.ServerAddr, deps, logger)

	summary := engine.EscrowSummary()
	logger.Info("server initialized, all dependencies ready",
		"escrow", cfg.EscrowAddress.Short(),
		"treasury", cfg.TreasuryAddress.Short(),
		"open_requests", summary.OpenRequests,
		"next_tx_id", summary.NextTxID,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// openStore connects the configured store driver. The memory driver returns
// a nil store.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (persistentStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := db.NewPostgresStore(pool, m)
		if err := store.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to database")
		return store, pool.Close, nil

	case config.DriverSQLite:
		store, err := db.OpenSQLite(cfg.SQLitePath, m)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite store", "path", cfg.SQLitePath)
		return store, func() { store.Close() }, nil

	default:
		logger.Warn("using in-memory store, escrow state is lost on restart")
		return nil, func() {}, nil
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
