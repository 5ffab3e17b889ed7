package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Persistence
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// NATS configuration. Empty disables event publishing.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	AuditInterval     time.Duration

	// ServerURL is where the worker and CLI reach the API.
	ServerURL string

	// Escrow identities
	EscrowAddress   account.Identity
	TreasuryAddress account.Identity
	OwnerAddress    account.Identity

	// Roles granted by the owner at startup. Grants made through the admin
	// API are held in memory only.
	OperatorAddresses []account.Identity
	ArbiterAddresses  []account.Identity
	AgentAddresses    []account.Identity

	// Fee rates applied at startup
	FeeRates fee.Rates
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.StoreDriver = getEnvOrDefault("STORE_DRIVER", DriverMemory)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SQLitePath = getEnvOrDefault("SQLITE_PATH", "sargo.db")

	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "sargo-custody-audit")
	interval, err := parseDuration("AUDIT_INTERVAL", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.AuditInterval = interval
	}

	cfg.ServerURL = getEnvOrDefault("SARGO_SERVER_URL", "http://localhost:8080")

	for _, id := range []struct {
		key string
		dst *account.Identity
	}{
		{"ESCROW_ADDRESS", &cfg.EscrowAddress},
		{"TREASURY_ADDRESS", &cfg.TreasuryAddress},
		{"OWNER_ADDRESS", &cfg.OwnerAddress},
	} {
		v, err := parseIdentity(id.key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*id.dst = v
	}

	for _, l := range []struct {
		key string
		dst *[]account.Identity
	}{
		{"OPERATOR_ADDRESSES", &cfg.OperatorAddresses},
		{"ARBITER_ADDRESSES", &cfg.ArbiterAddresses},
		{"AGENT_ADDRESSES", &cfg.AgentAddresses},
	} {
		v, err := parseIdentityList(l.key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*l.dst = v
	}

	for _, r := range []struct {
		key, def string
		dst      *decimal.Decimal
	}{
		{"FEE_AGENT_RATE", "0.015", &cfg.FeeRates.AgentRate},
		{"FEE_TREASURY_RATE", "0.005", &cfg.FeeRates.TreasuryRate},
		{"FEE_TRANSFER_RATE", "0.001", &cfg.FeeRates.TransferRate},
	} {
		v, err := parseDecimal(r.key, r.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*r.dst = v
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of memory, postgres, sqlite", c.StoreDriver))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.AuditInterval < time.Second {
		errs = append(errs, fmt.Errorf("AuditInterval must be at least 1 second"))
	}

	if c.EscrowAddress.IsZero() {
		errs = append(errs, fmt.Errorf("EscrowAddress is required"))
	}
	if c.TreasuryAddress.IsZero() {
		errs = append(errs, fmt.Errorf("TreasuryAddress is required"))
	}
	if c.OwnerAddress.IsZero() {
		errs = append(errs, fmt.Errorf("OwnerAddress is required"))
	}
	if !c.EscrowAddress.IsZero() && c.EscrowAddress == c.TreasuryAddress {
		errs = append(errs, fmt.Errorf("EscrowAddress and TreasuryAddress must be different"))
	}

	if err := c.FeeRates.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}

func parseIdentity(key string) (account.Identity, error) {
	value := os.Getenv(key)
	if value == "" {
		return account.None, fmt.Errorf("%s is required", key)
	}
	id, err := account.Parse(value)
	if err != nil {
		return account.None, fmt.Errorf("%s: %w", key, err)
	}
	return id, nil
}

// parseIdentityList reads a comma-separated list of identities. An unset
// variable yields an empty list.
func parseIdentityList(key string) ([]account.Identity, error) {
	var ids []account.Identity
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := account.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
