package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sargo-finance/sargo/service/config"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/shopspring/decimal"
)

// migrate brings the configured store schema up to date and converts a
// legacy single-rate fee setting (FEE_TRANSACTION_RATE) to the split rates
// the server reads.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting migration")

	cfg := config.MustLoad()
	ctx := context.Background()

	if err := migrateStore(ctx, cfg, logger); err != nil {
		logger.Error("store migration failed", "error", err)
		os.Exit(1)
	}

	legacy := os.Getenv("FEE_TRANSACTION_RATE")
	if legacy == "" {
		logger.Info("no legacy fee rate set, nothing to convert")
		logger.Info("migration complete")
		return
	}

	total, err := decimal.NewFromString(legacy)
	if err != nil {
		logger.Error("invalid FEE_TRANSACTION_RATE", "value", legacy, "error", err)
		os.Exit(1)
	}
	rates := fee.Migrate(fee.RatesV0{TransactionRate: total})
	if err := rates.Validate(); err != nil {
		logger.Error("converted fee rates are invalid", "error", err)
		os.Exit(1)
	}

	logger.Info("converted legacy fee rate",
		"transaction_rate", total.String(),
		"agent_rate", rates.AgentRate.String(),
		"treasury_rate", rates.TreasuryRate.String(),
	)

	// Printed as env lines so they can be pasted into the server's environment.
	fmt.Printf("FEE_AGENT_RATE=%s\n", rates.AgentRate.String())
	fmt.Printf("FEE_TREASURY_RATE=%s\n", rates.TreasuryRate.String())
	fmt.Printf("FEE_TRANSFER_RATE=%s\n", rates.TransferRate.String())

	logger.Info("migration complete")
}

func migrateStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		store := db.NewPostgresStore(pool, nil)
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Info("connected to database")
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("postgres schema up to date")

	case config.DriverSQLite:
		// Opening a sqlite store creates any missing tables.
		store, err := db.OpenSQLite(cfg.SQLitePath, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("sqlite schema up to date", "path", cfg.SQLitePath)

	default:
		logger.Info("memory store has no schema to migrate")
	}
	return nil
}
