package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level configuration for the protection engine
type Config struct {
	BrokerConfig     BrokerConfig     `json:"broker"`
	ProtectionConfig ProtectionConfig `json:"protection"`
	SequencerConfig  SequencerConfig  `json:"sequencer"`
	BreakerConfig    BreakerConfig    `json:"circuit_breaker"`
	RecoveryConfig   RecoveryConfig   `json:"recovery"`
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	VaultConfig      VaultConfig      `json:"vault"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// BrokerConfig holds broker gateway connection settings
type BrokerConfig struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	BaseURL    string `json:"base_url"`
	StreamURL  string `json:"stream_url"`
	TestNet    bool   `json:"testnet"`
	TimeoutSec int    `json:"timeout_sec"` // HTTP client timeout
}

// ProtectionConfig holds stop sizing, profit taking and grace window settings
type ProtectionConfig struct {
	MinStopDistancePct float64      `json:"min_stop_distance_pct"` // Floor, e.g. 1.5 means 1.5%
	ATRMultiplier      float64      `json:"atr_multiplier"`        // Initial stop = ATR x multiplier
	ATRTrailingEnabled bool         `json:"atr_trailing_enabled"`  // Trail by ATR instead of R ladder when tighter
	RTrailSteps        []RTrailStep `json:"r_trail_steps"`         // Trailing ladder, defaults to 0.5R increments

	// Profit taking thresholds as R multiples and percentages of original size
	BreakevenR      float64 `json:"breakeven_r"`       // Move stop to breakeven, default 1.0
	PartialExitR    float64 `json:"partial_exit_r"`    // First scale-out, default 2.0
	PartialExitPct  float64 `json:"partial_exit_pct"`  // Default 50
	AdvancedExitR   float64 `json:"advanced_exit_r"`   // Second scale-out, default 3.0
	AdvancedExitPct float64 `json:"advanced_exit_pct"` // Default 25
	FinalExitR      float64 `json:"final_exit_r"`      // Full close, default 4.0
	LetRunnerRide   bool    `json:"let_runner_ride"`   // Trail the residual instead of closing at final R

	GraceWindowSec      int `json:"grace_window_sec"`       // Protected-by-assumption window after recreation
	StaleQuoteSec       int `json:"stale_quote_sec"`        // Block decisions on prices older than this
	CheckIntervalSec    int `json:"check_interval_sec"`     // Fast protection check cadence
	StopSyncIntervalSec int `json:"stop_sync_interval_sec"` // Slower trailing/sync cadence
	MaxHealAttempts     int `json:"max_heal_attempts"`      // Before emergency close is requested
	MaxUnprotectedSec   int `json:"max_unprotected_sec"`    // Before emergency close is requested
}

// RTrailStep maps an R-multiple threshold to a stop offset in R units above entry
type RTrailStep struct {
	AtR    float64 `json:"at_r"`    // Threshold, e.g. 1.5
	LockR  float64 `json:"lock_r"`  // Stop placed at entry + LockR x r_unit (sign by side)
}

// SequencerConfig holds order sequencer retry and timeout policy
type SequencerConfig struct {
	MaxAttempts             int `json:"max_attempts"`               // Retryable error attempts
	BaseDelayMs             int `json:"base_delay_ms"`              // Exponential backoff base
	MaxDelayMs              int `json:"max_delay_ms"`               // Backoff cap
	CancelConfirmTimeoutSec int `json:"cancel_confirm_timeout_sec"` // Bounded wait for cancel acks
	CancelPollIntervalMs    int `json:"cancel_poll_interval_ms"`
	LockTimeoutSec          int `json:"lock_timeout_sec"`    // Per-symbol lock acquisition timeout
	SnapshotMaxAgeMs        int `json:"snapshot_max_age_ms"` // Freshness contract for order snapshots
}

// BreakerConfig holds per-category circuit breaker thresholds
type BreakerConfig struct {
	Enabled             bool `json:"enabled"`
	FailureThreshold    int  `json:"failure_threshold"`     // Consecutive failures before opening
	RollingWindowSec    int  `json:"rolling_window_sec"`    // Failures counted within this window
	CooldownSec         int  `json:"cooldown_sec"`          // Open duration before half-open probe
}

// RecoveryConfig holds recovery mode entry/exit thresholds
type RecoveryConfig struct {
	FetchFailureCycles int `json:"fetch_failure_cycles"` // Consecutive failed cycles before entering
	QueueMaxAgeSec     int `json:"queue_max_age_sec"`    // Queued intents older than this are dropped on replay
}

// ServerConfig holds monitoring HTTP API settings
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// ConnString builds a pgx-compatible connection string
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds Redis connection settings for the operation queue
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault settings for broker credential storage
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level   string `json:"level"`   // debug, info, warn, error
	Console bool   `json:"console"` // Human-readable console output instead of JSON
}

// Load reads configuration from config.json (if present) and applies
// environment variable overrides on top
func Load() (*Config, error) {
	cfg := Default()

	// A missing .env is fine; real deployments set environment directly.
	_ = godotenv.Load()

	if _, err := os.Stat("config.json"); err == nil {
		loaded, err := loadFromFile("config.json")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		BrokerConfig: BrokerConfig{
			BaseURL:    "https://fapi.binance.com",
			StreamURL:  "wss://fstream.binance.com/ws",
			TimeoutSec: 15,
		},
		ProtectionConfig: ProtectionConfig{
			MinStopDistancePct: 1.5,
			ATRMultiplier:      1.5,
			RTrailSteps: []RTrailStep{
				{AtR: 1.5, LockR: 0.5},
				{AtR: 2.0, LockR: 1.0},
				{AtR: 3.0, LockR: 1.5},
				{AtR: 4.0, LockR: 2.0},
			},
			BreakevenR:          1.0,
			PartialExitR:        2.0,
			PartialExitPct:      50,
			AdvancedExitR:       3.0,
			AdvancedExitPct:     25,
			FinalExitR:          4.0,
			GraceWindowSec:      30,
			StaleQuoteSec:       15,
			CheckIntervalSec:    5,
			StopSyncIntervalSec: 30,
			MaxHealAttempts:     3,
			MaxUnprotectedSec:   30,
		},
		SequencerConfig: SequencerConfig{
			MaxAttempts:             3,
			BaseDelayMs:             500,
			MaxDelayMs:              5000,
			CancelConfirmTimeoutSec: 10,
			CancelPollIntervalMs:    250,
			LockTimeoutSec:          30,
			SnapshotMaxAgeMs:        2000,
		},
		BreakerConfig: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			RollingWindowSec: 300,
			CooldownSec:      60,
		},
		RecoveryConfig: RecoveryConfig{
			FetchFailureCycles: 3,
			QueueMaxAgeSec:     600,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8090,
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "guardian",
			Database: "guardian",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "position-guardian/broker-keys",
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks configuration invariants before startup
func (c *Config) Validate() error {
	p := c.ProtectionConfig
	if p.MinStopDistancePct <= 0 {
		return fmt.Errorf("min_stop_distance_pct must be positive, got %.4f", p.MinStopDistancePct)
	}
	if p.ATRMultiplier <= 0 {
		return fmt.Errorf("atr_multiplier must be positive, got %.4f", p.ATRMultiplier)
	}
	if p.BreakevenR >= p.PartialExitR || p.PartialExitR >= p.AdvancedExitR || p.AdvancedExitR >= p.FinalExitR {
		return fmt.Errorf("R thresholds must be strictly increasing: %.2f, %.2f, %.2f, %.2f",
			p.BreakevenR, p.PartialExitR, p.AdvancedExitR, p.FinalExitR)
	}
	if p.PartialExitPct+p.AdvancedExitPct >= 100 {
		return fmt.Errorf("scale-out percentages leave no remainder: %.1f%% + %.1f%%",
			p.PartialExitPct, p.AdvancedExitPct)
	}
	for i := 1; i < len(p.RTrailSteps); i++ {
		prev, cur := p.RTrailSteps[i-1], p.RTrailSteps[i]
		if cur.AtR <= prev.AtR || cur.LockR < prev.LockR {
			return fmt.Errorf("r_trail_steps must be increasing, step %d violates ordering", i)
		}
	}
	if c.SequencerConfig.MaxAttempts < 1 {
		return fmt.Errorf("sequencer max_attempts must be at least 1")
	}
	return nil
}

// GraceWindow returns the post-recreation grace window as a duration
func (p ProtectionConfig) GraceWindow() time.Duration {
	return time.Duration(p.GraceWindowSec) * time.Second
}

// StaleQuoteAge returns the price freshness window as a duration
func (p ProtectionConfig) StaleQuoteAge() time.Duration {
	return time.Duration(p.StaleQuoteSec) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	// Broker config
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.StreamURL = getEnvOrDefault("BROKER_STREAM_URL", cfg.BrokerConfig.StreamURL)
	cfg.BrokerConfig.TestNet = getEnvOrDefault("BROKER_TESTNET", boolStr(cfg.BrokerConfig.TestNet)) == "true"
	cfg.BrokerConfig.TimeoutSec = getEnvIntOrDefault("BROKER_TIMEOUT_SEC", cfg.BrokerConfig.TimeoutSec)

	// Protection config
	cfg.ProtectionConfig.MinStopDistancePct = getEnvFloatOrDefault("PROTECTION_MIN_STOP_DISTANCE_PCT", cfg.ProtectionConfig.MinStopDistancePct)
	cfg.ProtectionConfig.ATRMultiplier = getEnvFloatOrDefault("PROTECTION_ATR_MULTIPLIER", cfg.ProtectionConfig.ATRMultiplier)
	cfg.ProtectionConfig.GraceWindowSec = getEnvIntOrDefault("PROTECTION_GRACE_WINDOW_SEC", cfg.ProtectionConfig.GraceWindowSec)
	cfg.ProtectionConfig.CheckIntervalSec = getEnvIntOrDefault("PROTECTION_CHECK_INTERVAL_SEC", cfg.ProtectionConfig.CheckIntervalSec)
	cfg.ProtectionConfig.StopSyncIntervalSec = getEnvIntOrDefault("PROTECTION_STOP_SYNC_INTERVAL_SEC", cfg.ProtectionConfig.StopSyncIntervalSec)

	// Circuit breaker config
	cfg.BreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", boolStr(cfg.BreakerConfig.Enabled)) == "true"
	cfg.BreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", cfg.BreakerConfig.FailureThreshold)
	cfg.BreakerConfig.CooldownSec = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SEC", cfg.BreakerConfig.CooldownSec)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolStr(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Console = getEnvOrDefault("LOG_CONSOLE", boolStr(cfg.LoggingConfig.Console)) == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return config, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
