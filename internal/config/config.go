// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/vault"
)

// Config holds all configuration values for the execution engine.
type Config struct {
	// Database
	DBPath string

	// Solana RPC
	SolanaRPCURL     string
	SolanaWSURL      string
	SolanaCommitment string

	// Swap builder sidecar
	SwapBuilderURL string

	// Key vault
	VaultMasterKey string
	CredentialTTL  time.Duration

	// Loop cadence
	BotTick      time.Duration
	RangeTick    time.Duration
	DispatchTick time.Duration

	// Concurrency bounds
	BotConcurrency     int
	RangeConcurrency   int
	MaxInFlightWallets int

	// Execution
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	ConfirmTimeout     time.Duration
	DefaultSlippageBps int

	// Wallet funding
	GasReserveLamports    uint64
	MinActivationLamports uint64
	SplitRatio            decimal.Decimal

	// SweepFeeReserveLamports stays behind to pay the sweep's own fee
	SweepFeeReserveLamports uint64

	// Shared price cache; empty address keeps prices in process
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Audit stream; no brokers disables it
	KafkaBrokers    []string
	KafkaAuditTopic string

	// Alerting
	DiscordWebhookURL string
	SlackWebhookURL   string
	AlertCooldown     time.Duration

	// Metrics
	PrometheusPort int

	// UI
	EnableTUI     bool
	UIRefreshRate time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DBPath: getEnv("DB_PATH", "./data/engine.db"),

		// Solana
		SolanaRPCURL:     getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		SolanaWSURL:      getEnv("SOLANA_WS_URL", "wss://api.mainnet-beta.solana.com"),
		SolanaCommitment: getEnv("SOLANA_COMMITMENT", "confirmed"),

		SwapBuilderURL: getEnv("SWAP_BUILDER_URL", "http://127.0.0.1:7070"),

		// Vault
		VaultMasterKey: getEnv("VAULT_MASTER_KEY", ""),
		CredentialTTL:  getEnvMillis("CREDENTIAL_TTL_MS", 5000),

		// Loops
		BotTick:      getEnvMillis("BOT_TICK_MS", 10000),
		RangeTick:    getEnvMillis("RANGE_TICK_MS", 60000),
		DispatchTick: getEnvMillis("DISPATCH_TICK_MS", 500),

		BotConcurrency:     getEnvInt("BOT_CONCURRENCY", 8),
		RangeConcurrency:   getEnvInt("RANGE_CONCURRENCY", 4),
		MaxInFlightWallets: getEnvInt("MAX_INFLIGHT_WALLETS", 16),

		// Execution
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:     getEnvMillis("RETRY_BASE_DELAY_MS", 2000),
		ConfirmTimeout:     getEnvMillis("CONFIRM_TIMEOUT_MS", 30000),
		DefaultSlippageBps: getEnvInt("DEFAULT_SLIPPAGE_BPS", 100),

		// Funding
		GasReserveLamports:    getEnvUint64("GAS_RESERVE_LAMPORTS", 10_000_000),
		MinActivationLamports: getEnvUint64("MIN_ACTIVATION_LAMPORTS", 50_000_000),
		SplitRatio:            getEnvDecimal("SPLIT_RATIO", decimal.RequireFromString("0.5")),

		SweepFeeReserveLamports: getEnvUint64("SWEEP_FEE_RESERVE_LAMPORTS", 10_000),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// Kafka
		KafkaBrokers:    getEnvList("KAFKA_BROKERS"),
		KafkaAuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "swap-audit"),

		// Alerting
		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		SlackWebhookURL:   getEnv("SLACK_WEBHOOK_URL", ""),
		AlertCooldown:     time.Duration(getEnvInt("ALERT_COOLDOWN_SECONDS", 300)) * time.Second,

		// Metrics
		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),

		// UI
		EnableTUI:     getEnvBool("ENABLE_TUI", false),
		UIRefreshRate: getEnvMillis("UI_REFRESH_MS", 500),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.SolanaRPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}

	if c.SwapBuilderURL == "" {
		return fmt.Errorf("SWAP_BUILDER_URL is required")
	}

	if c.VaultMasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if _, err := vault.ParseMasterKey(c.VaultMasterKey); err != nil {
		return fmt.Errorf("VAULT_MASTER_KEY: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"CREDENTIAL_TTL_MS":   c.CredentialTTL,
		"BOT_TICK_MS":         c.BotTick,
		"RANGE_TICK_MS":       c.RangeTick,
		"DISPATCH_TICK_MS":    c.DispatchTick,
		"RETRY_BASE_DELAY_MS": c.RetryBaseDelay,
		"CONFIRM_TIMEOUT_MS":  c.ConfirmTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.BotConcurrency < 1 || c.RangeConcurrency < 1 || c.MaxInFlightWallets < 1 {
		return fmt.Errorf("BOT_CONCURRENCY, RANGE_CONCURRENCY and MAX_INFLIGHT_WALLETS must be at least 1")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if c.DefaultSlippageBps < 1 || c.DefaultSlippageBps >= 10000 {
		return fmt.Errorf("DEFAULT_SLIPPAGE_BPS must be between 1 and 9999")
	}

	if !c.SplitRatio.IsPositive() || c.SplitRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("SPLIT_RATIO must be between 0 and 1 exclusive")
	}

	if c.SweepFeeReserveLamports == 0 || c.SweepFeeReserveLamports >= c.GasReserveLamports {
		return fmt.Errorf("SWEEP_FEE_RESERVE_LAMPORTS must be positive and below GAS_RESERVE_LAMPORTS")
	}

	if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
		return fmt.Errorf("PROMETHEUS_PORT must be between 1 and 65535")
	}

	return nil
}

// MaskedDiscordWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedDiscordWebhook() string {
	return maskSecret(c.DiscordWebhookURL)
}

// MaskedSlackWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedSlackWebhook() string {
	return maskSecret(c.SlackWebhookURL)
}

// MaskedRPCURL hides an API key embedded in the RPC URL path or query.
func (c *Config) MaskedRPCURL() string {
	return maskSecret(c.SolanaRPCURL)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvUint64 retrieves an environment variable as a uint64 or returns a default.
func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

// getEnvMillis retrieves an environment variable in milliseconds as a duration.
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

// getEnvDecimal retrieves an environment variable as a decimal or returns a default.
func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
