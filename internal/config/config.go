package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Ingest    IngestConfig    `json:"ingest"`
	Payout    PayoutConfig    `json:"payout"`
	Features  FeaturesConfig  `json:"features"`
	Logging   LoggingConfig   `json:"logging"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `json:"port"`
	Host            string `json:"host"`
	EnableTLS       bool   `json:"enable_tls"`
	CertFile        string `json:"cert_file"`
	KeyFile         string `json:"key_file"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // in seconds
	// PublicURL is the externally visible base URL providers deliver to.
	PublicURL string `json:"public_url"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig points at the shared rate guard counter store. An empty address
// keeps counters in process memory.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
	// Bearer token for /admin routes. Admin routes are disabled when empty.
	AdminToken string `json:"admin_token"`
}

// RateLimitConfig holds per-IP rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// IngestConfig bounds scans and replays of the same external event.
type IngestConfig struct {
	ScanLimit    int `json:"scan_limit"`
	ScanWindow   int `json:"scan_window"` // in seconds
	ReplayLimit  int `json:"replay_limit"`
	ReplayWindow int `json:"replay_window"` // in seconds
}

// PayoutConfig configures the settlement engine and its transfer gateway.
type PayoutConfig struct {
	GatewayURL      string `json:"gateway_url"`
	GatewayToken    string `json:"gateway_token"`
	TransferTimeout int    `json:"transfer_timeout"` // in seconds
	RefundMaxWait   int    `json:"refund_max_wait"`  // in seconds
	StuckAfter      int    `json:"stuck_after"`      // in seconds
	ClaimLimit      int    `json:"claim_limit"`
	ClaimWindow     int    `json:"claim_window"` // in seconds
}

// FeaturesConfig holds the initial state of the global feature flags.
type FeaturesConfig struct {
	Payouts          bool `json:"payouts"`
	ProviderWebhooks bool `json:"provider_webhooks"`
	EventHooks       bool `json:"event_hooks"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `json:"level"`
	Environment string `json:"environment"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", ""),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			ShutdownTimeout: getEnvInt("SERVER_SHUTDOWN_TIMEOUT", 30),
			PublicURL:       getEnv("PUBLIC_BASE_URL", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./loyalty_ledger.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20), // 1MB default
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
			AdminToken:         getEnv("ADMIN_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Ingest: IngestConfig{
			ScanLimit:    getEnvInt("SCAN_LIMIT", 3),
			ScanWindow:   getEnvInt("SCAN_WINDOW", 3600),
			ReplayLimit:  getEnvInt("REPLAY_LIMIT", 10),
			ReplayWindow: getEnvInt("REPLAY_WINDOW", 60),
		},
		Payout: PayoutConfig{
			GatewayURL:      getEnv("PAYOUT_GATEWAY_URL", ""),
			GatewayToken:    getEnv("PAYOUT_GATEWAY_TOKEN", ""),
			TransferTimeout: getEnvInt("PAYOUT_TRANSFER_TIMEOUT", 30),
			RefundMaxWait:   getEnvInt("PAYOUT_REFUND_MAX_WAIT", 30),
			StuckAfter:      getEnvInt("PAYOUT_STUCK_AFTER", 300),
			ClaimLimit:      getEnvInt("PAYOUT_CLAIM_LIMIT", 5),
			ClaimWindow:     getEnvInt("PAYOUT_CLAIM_WINDOW", 3600),
		},
		Features: FeaturesConfig{
			Payouts:          getEnvBool("FEATURE_PAYOUTS", true),
			ProviderWebhooks: getEnvBool("FEATURE_PROVIDER_WEBHOOKS", true),
			EventHooks:       getEnvBool("FEATURE_EVENT_HOOKS", true),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("APP_ENV", "development"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "loyalty-ledger"),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.ToLower(v) == "true" || v == "1"
		}
	}

	setString("SERVER_PORT", &cfg.Server.Port)
	setString("SERVER_HOST", &cfg.Server.Host)
	setBool("SERVER_ENABLE_TLS", &cfg.Server.EnableTLS)
	setString("SERVER_CERT_FILE", &cfg.Server.CertFile)
	setString("SERVER_KEY_FILE", &cfg.Server.KeyFile)
	setInt("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	setString("PUBLIC_BASE_URL", &cfg.Server.PublicURL)
	setString("DATABASE_PATH", &cfg.Database.Path)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("REDIS_DB", &cfg.Redis.DB)
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	setString("ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	setString("ADMIN_TOKEN", &cfg.Security.AdminToken)
	setBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setInt("RATE_LIMIT_RATE", &cfg.RateLimit.Rate)
	setInt("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	setInt("SCAN_LIMIT", &cfg.Ingest.ScanLimit)
	setInt("SCAN_WINDOW", &cfg.Ingest.ScanWindow)
	setInt("REPLAY_LIMIT", &cfg.Ingest.ReplayLimit)
	setInt("REPLAY_WINDOW", &cfg.Ingest.ReplayWindow)
	setString("PAYOUT_GATEWAY_URL", &cfg.Payout.GatewayURL)
	setString("PAYOUT_GATEWAY_TOKEN", &cfg.Payout.GatewayToken)
	setInt("PAYOUT_TRANSFER_TIMEOUT", &cfg.Payout.TransferTimeout)
	setInt("PAYOUT_REFUND_MAX_WAIT", &cfg.Payout.RefundMaxWait)
	setInt("PAYOUT_STUCK_AFTER", &cfg.Payout.StuckAfter)
	setInt("PAYOUT_CLAIM_LIMIT", &cfg.Payout.ClaimLimit)
	setInt("PAYOUT_CLAIM_WINDOW", &cfg.Payout.ClaimWindow)
	setBool("FEATURE_PAYOUTS", &cfg.Features.Payouts)
	setBool("FEATURE_PROVIDER_WEBHOOKS", &cfg.Features.ProviderWebhooks)
	setBool("FEATURE_EVENT_HOOKS", &cfg.Features.EventHooks)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("APP_ENV", &cfg.Logging.Environment)
	setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	setString("TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	if ratio := os.Getenv("TRACING_SAMPLE_RATIO"); ratio != "" {
		if f, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Seconds converts a config value in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Ingest.ScanWindow <= 0 || c.Ingest.ReplayWindow <= 0 {
		return fmt.Errorf("ingest windows must be positive")
	}
	if c.Payout.TransferTimeout <= 0 {
		return fmt.Errorf("payout transfer timeout must be positive")
	}
	if c.Payout.RefundMaxWait <= 0 {
		return fmt.Errorf("payout refund max wait must be positive")
	}
	if c.Payout.StuckAfter <= c.Payout.TransferTimeout {
		return fmt.Errorf("payout stuck_after must exceed the transfer timeout")
	}
	if c.Payout.ClaimLimit > 0 && c.Payout.ClaimWindow <= 0 {
		return fmt.Errorf("payout claim window must be positive")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	return nil
}
