// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/mbd888/upiramp/internal/units"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared request locks (optional, in-process locks if not set)
	AutoMigrate bool   // Apply embedded migrations on startup

	// Engine
	OwnerAddress    string // Receives platform fees
	CustodyAddress  string // Ledger account holding deposits
	SettlementAsset string // Symbol of the settlement asset
	PlatformFee     string // Native asset, decimal
	SweepInterval   time.Duration

	// ReconcileInterval is how often custody is checked against open
	// requests; zero disables the background check.
	ReconcileInterval time.Duration

	// Chain deposits (optional; disabled when ChainRPCURL is empty)
	ChainRPCURL          string
	TokenContract        string // settlement token (ERC-20) contract
	DepositAddress       string // where senders transfer the token
	DepositConfirmations int64
	DepositStartBlock    int64 // 0 = current head

	// Security
	AdminSecret   string
	ReceiptSecret string // HMAC key for settlement receipts; empty disables them
	RateLimitRPM  int
	CORSOrigins   string // comma-separated; "*" allows any origin

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultSettlementAsset = "USDC"
	DefaultPlatformFee     = "0.001"
	DefaultSweepInterval   = 30 * time.Second
	DefaultReconcileEvery  = 5 * time.Minute
	DefaultConfirmations   = 2
	DefaultRateLimit       = 120
	MinReceiptSecret       = 32
)

// DefaultCustodyAddress is derived from a fixed label so every deployment
// without an explicit CUSTODY_ADDRESS agrees on it. Nobody holds its key.
var DefaultCustodyAddress = strings.ToLower(
	common.BytesToAddress(crypto.Keccak256([]byte("upiramp.custody"))).Hex(),
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AutoMigrate:          getEnv("AUTO_MIGRATE", "true") == "true",
		OwnerAddress:         strings.ToLower(os.Getenv("OWNER_ADDRESS")), // Required, no default
		CustodyAddress:       strings.ToLower(getEnv("CUSTODY_ADDRESS", DefaultCustodyAddress)),
		SettlementAsset:      strings.ToUpper(getEnv("SETTLEMENT_ASSET", DefaultSettlementAsset)),
		PlatformFee:          getEnv("PLATFORM_FEE", DefaultPlatformFee),
		SweepInterval:        getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		ChainRPCURL:          os.Getenv("CHAIN_RPC_URL"),
		TokenContract:        strings.ToLower(os.Getenv("SETTLEMENT_TOKEN_ADDRESS")),
		DepositAddress:       strings.ToLower(os.Getenv("DEPOSIT_ADDRESS")),
		DepositConfirmations: getEnvInt64("DEPOSIT_CONFIRMATIONS", DefaultConfirmations),
		DepositStartBlock:    getEnvInt64("DEPOSIT_START_BLOCK", 0),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		ReceiptSecret:        os.Getenv("RECEIPT_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		CORSOrigins:          getEnv("CORS_ORIGINS", "*"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.OwnerAddress) || !strings.HasPrefix(c.OwnerAddress, "0x") {
		return fmt.Errorf("OWNER_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if !common.IsHexAddress(c.CustodyAddress) || !strings.HasPrefix(c.CustodyAddress, "0x") {
		return fmt.Errorf("CUSTODY_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if strings.EqualFold(c.OwnerAddress, c.CustodyAddress) {
		return fmt.Errorf("OWNER_ADDRESS and CUSTODY_ADDRESS must differ")
	}
	if _, err := c.PlatformFeeWei(); err != nil {
		return err
	}
	if c.SettlementAsset == "" {
		return fmt.Errorf("SETTLEMENT_ASSET must not be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.ChainRPCURL != "" {
		if !common.IsHexAddress(c.TokenContract) {
			return fmt.Errorf("SETTLEMENT_TOKEN_ADDRESS is required when CHAIN_RPC_URL is set")
		}
		if !common.IsHexAddress(c.DepositAddress) {
			return fmt.Errorf("DEPOSIT_ADDRESS is required when CHAIN_RPC_URL is set")
		}
		if c.DepositConfirmations < 0 || c.DepositStartBlock < 0 {
			return fmt.Errorf("DEPOSIT_CONFIRMATIONS and DEPOSIT_START_BLOCK must not be negative")
		}
	}
	if c.ReceiptSecret != "" && len(c.ReceiptSecret) < MinReceiptSecret {
		return fmt.Errorf("RECEIPT_SECRET must be at least %d characters", MinReceiptSecret)
	}
	return nil
}

// PlatformFeeWei parses PlatformFee into native base units.
func (c *Config) PlatformFeeWei() (*big.Int, error) {
	fee, ok := units.ParseNative(c.PlatformFee)
	if !ok {
		return nil, fmt.Errorf("PLATFORM_FEE %q is not a valid native amount", c.PlatformFee)
	}
	return fee, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
