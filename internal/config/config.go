// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mbd888/assured/internal/usdc"
)

// Execution modes.
const (
	ModeMock   = "mock"
	ModeLedger = "ledger"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Execution
	ExecutionMode       string // "mock" or "ledger"
	ProviderSeed        string // Hex ed25519 seed
	ProviderAddress     string // Base58 public key; derived from the seed when empty
	PayerSeed           string // Operator-run payer identity
	PayerFunding        int64  // Minor units deposited for the operator payer at startup
	Currency            string
	Network             string
	EscrowProgramID     string
	ReputationProgramID string

	// Escrow defaults
	DefaultSLAMs          int64
	DefaultDisputeWindowS int64
	AutoSettle            bool
	DisputeWindowBoundary string // "inclusive" or "exclusive"
	SettleIntervalMs      int64

	// Bond slashing
	SlashMode   string // "fixed" or "proportional"
	SlashAmount int64  // Minor units, fixed mode
	SlashBPS    int64  // Basis points, proportional mode

	// Webhooks
	WebhookSecret string
	WebhookURL    string

	// Operator run gating
	RunRatePerSec     int
	MinCustodyBalance int64 // Minor units

	TranscriptRingSize  int
	LedgerRetryAttempts int
	ChunkDelayMs        int64

	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultCurrency              = "USDC"
	DefaultNetwork               = "assured-devnet"
	DefaultEscrowProgramID       = "assured-escrow"
	DefaultReputationProgramID   = "assured-reputation"
	DefaultSLAMs                 = 2000
	DefaultDisputeWindowS        = 60
	DefaultSettleIntervalMs      = 5000
	DefaultSlashAmount           = "0.01"
	DefaultSlashBPS              = 1000
	DefaultPayerFunding          = "10"
	DefaultRunRatePerSec         = 2
	DefaultMinCustodyBalance     = "0.05"
	DefaultTranscriptRingSize    = 200
	DefaultLedgerRetryAttempts   = 3
	DefaultChunkDelayMs          = 150
	DefaultDisputeWindowBoundary = "inclusive"
)

// Load reads configuration from environment variables.
// A .env file, if present, fills only variables the process environment
// does not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envParser{}

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ExecutionMode:         strings.ToLower(getEnv("EXECUTION_MODE", ModeMock)),
		ProviderSeed:          os.Getenv("PROVIDER_SEED"),
		ProviderAddress:       os.Getenv("PROVIDER_ADDRESS"),
		PayerSeed:             os.Getenv("PAYER_SEED"),
		PayerFunding:          env.minor("PAYER_FUNDING", DefaultPayerFunding),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		Network:               getEnv("NETWORK", DefaultNetwork),
		EscrowProgramID:       getEnv("ESCROW_PROGRAM_ID", DefaultEscrowProgramID),
		ReputationProgramID:   getEnv("REPUTATION_PROGRAM_ID", DefaultReputationProgramID),
		DefaultSLAMs:          env.int64("DEFAULT_SLA_MS", DefaultSLAMs),
		DefaultDisputeWindowS: env.int64("DEFAULT_DISPUTE_WINDOW_S", DefaultDisputeWindowS),
		AutoSettle:            env.bool("AUTO_SETTLE", true),
		DisputeWindowBoundary: strings.ToLower(getEnv("DISPUTE_WINDOW_BOUNDARY", DefaultDisputeWindowBoundary)),
		SettleIntervalMs:      env.int64("SETTLE_INTERVAL_MS", DefaultSettleIntervalMs),
		SlashMode:             strings.ToLower(getEnv("SLASH_MODE", "fixed")),
		SlashAmount:           env.minor("SLASH_AMOUNT", DefaultSlashAmount),
		SlashBPS:              env.int64("SLASH_BPS", DefaultSlashBPS),
		WebhookSecret:         os.Getenv("WEBHOOK_SECRET"),
		WebhookURL:            os.Getenv("WEBHOOK_URL"),
		RunRatePerSec:         env.int("RUN_RATE_PER_SEC", DefaultRunRatePerSec),
		MinCustodyBalance:     env.minor("MIN_CUSTODY_BALANCE", DefaultMinCustodyBalance),
		TranscriptRingSize:    env.int("TRANSCRIPT_RING_SIZE", DefaultTranscriptRingSize),
		LedgerRetryAttempts:   env.int("LEDGER_RETRY_ATTEMPTS", DefaultLedgerRetryAttempts),
		ChunkDelayMs:          env.int64("CHUNK_DELAY_MS", DefaultChunkDelayMs),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.ExecutionMode {
	case ModeMock, ModeLedger:
	default:
		return fmt.Errorf("EXECUTION_MODE must be %q or %q, got %q", ModeMock, ModeLedger, c.ExecutionMode)
	}

	if c.ProviderSeed != "" {
		seed, err := hex.DecodeString(c.ProviderSeed)
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("PROVIDER_SEED must be 64 hex characters")
		}
	} else if c.IsProduction() && c.ExecutionMode == ModeLedger {
		return fmt.Errorf("PROVIDER_SEED is required in production ledger mode")
	}
	if c.PayerSeed != "" {
		seed, err := hex.DecodeString(c.PayerSeed)
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("PAYER_SEED must be 64 hex characters")
		}
	}

	if c.DefaultSLAMs <= 0 {
		return fmt.Errorf("DEFAULT_SLA_MS must be positive")
	}
	if c.DefaultDisputeWindowS < 0 {
		return fmt.Errorf("DEFAULT_DISPUTE_WINDOW_S must not be negative")
	}
	if c.SettleIntervalMs <= 0 {
		return fmt.Errorf("SETTLE_INTERVAL_MS must be positive")
	}

	switch c.DisputeWindowBoundary {
	case "inclusive", "exclusive":
	default:
		return fmt.Errorf("DISPUTE_WINDOW_BOUNDARY must be inclusive or exclusive")
	}

	switch c.SlashMode {
	case "fixed":
		if c.SlashAmount < 0 {
			return fmt.Errorf("SLASH_AMOUNT must not be negative")
		}
	case "proportional":
		if c.SlashBPS < 0 || c.SlashBPS > 10_000 {
			return fmt.Errorf("SLASH_BPS must be between 0 and 10000")
		}
	default:
		return fmt.Errorf("SLASH_MODE must be fixed or proportional")
	}

	if c.TranscriptRingSize < 1 {
		return fmt.Errorf("TRANSCRIPT_RING_SIZE must be at least 1")
	}
	if c.RunRatePerSec < 1 {
		return fmt.Errorf("RUN_RATE_PER_SEC must be at least 1")
	}
	if c.LedgerRetryAttempts < 1 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be at least 1")
	}
	if c.ChunkDelayMs < 0 {
		return fmt.Errorf("CHUNK_DELAY_MS must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LedgerMode reports whether execution is backed by the escrow ledger.
func (c *Config) LedgerMode() bool {
	return c.ExecutionMode == ModeLedger
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed variables and collects every malformed value, so a
// typo fails startup instead of silently falling back to the default.
type envParser struct {
	errs []error
}

func (p *envParser) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return i
}

func (p *envParser) int(key string, defaultValue int) int {
	return int(p.int64(key, int64(defaultValue)))
}

func (p *envParser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, value))
		return defaultValue
	}
	return b
}

// minor parses a decimal currency amount into minor units.
func (p *envParser) minor(key, defaultValue string) int64 {
	v, err := usdc.ParseMinor(getEnv(key, defaultValue))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a decimal amount: %w", key, err))
		return 0
	}
	return v
}

func (p *envParser) err() error {
	return errors.Join(p.errs...)
}
