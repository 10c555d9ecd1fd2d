// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // metrics cache (optional, uses in-memory if not set)

	// Ingestion
	WebhookSecret      string        // shared HMAC secret for the agent platform
	TimestampTolerance time.Duration // replay window for X-Genesis-Timestamp
	IngestMaxAttempts  int
	IngestRetryBase    time.Duration
	RateLimitRPM       int
	AdminSecret        string // gates dead-letter replay

	// Notification targets
	AlertWebhookURL    string
	AlertWebhookSecret string // signs outbound alert webhooks
	SlackWebhookURL    string
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPFrom           string
	AlertEmailTo       string

	// Monitoring
	MonitoringEnabled   bool
	UsageInterval       time.Duration
	AnomalyInterval     time.Duration
	ChurnInterval       time.Duration
	PerformanceInterval time.Duration
	CleanupInterval     time.Duration
	MetricsCacheTTL     time.Duration
	AlertRetention      time.Duration // 0 keeps persisted alerts forever

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultTimestampTolerance = 300 * time.Second
	DefaultRateLimit          = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		WebhookSecret:      os.Getenv("GENESIS_WEBHOOK_SECRET"),
		TimestampTolerance: getEnvDuration("WEBHOOK_TIMESTAMP_TOLERANCE", DefaultTimestampTolerance),
		IngestMaxAttempts:  int(getEnvInt64("INGEST_MAX_ATTEMPTS", 3)),
		IngestRetryBase:    getEnvDuration("INGEST_RETRY_BASE", time.Second),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),

		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		SlackWebhookURL:    os.Getenv("SLACK_WEBHOOK_URL"),
		SMTPHost:           os.Getenv("SMTP_HOST"),
		SMTPPort:           int(getEnvInt64("SMTP_PORT", 587)),
		SMTPUsername:       os.Getenv("SMTP_USERNAME"),
		SMTPPassword:       os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:           getEnv("SMTP_FROM", "alerts@localhost"),
		AlertEmailTo:       os.Getenv("ALERT_EMAIL_TO"),

		MonitoringEnabled:   getEnvBool("MONITORING_ENABLED", true),
		UsageInterval:       getEnvDuration("MONITOR_USAGE_INTERVAL", 5*time.Minute),
		AnomalyInterval:     getEnvDuration("MONITOR_ANOMALY_INTERVAL", 15*time.Minute),
		ChurnInterval:       getEnvDuration("MONITOR_CHURN_INTERVAL", time.Hour),
		PerformanceInterval: getEnvDuration("MONITOR_PERFORMANCE_INTERVAL", 30*time.Minute),
		CleanupInterval:     getEnvDuration("MONITOR_CLEANUP_INTERVAL", time.Hour),
		MetricsCacheTTL:     getEnvDuration("METRICS_CACHE_TTL", 5*time.Minute),
		AlertRetention:      getEnvDuration("ALERT_RETENTION", 0),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.WebhookSecret == "" {
		return fmt.Errorf("GENESIS_WEBHOOK_SECRET is required in production")
	}
	if c.TimestampTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TIMESTAMP_TOLERANCE must be positive")
	}
	if c.IngestMaxAttempts < 1 {
		return fmt.Errorf("INGEST_MAX_ATTEMPTS must be at least 1")
	}
	if c.SMTPHost != "" && c.AlertEmailTo == "" {
		return fmt.Errorf("ALERT_EMAIL_TO is required when SMTP_HOST is set")
	}
	if c.AlertRetention < 0 {
		return fmt.Errorf("ALERT_RETENTION must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"MONITOR_USAGE_INTERVAL":       c.UsageInterval,
		"MONITOR_ANOMALY_INTERVAL":     c.AnomalyInterval,
		"MONITOR_CHURN_INTERVAL":       c.ChurnInterval,
		"MONITOR_PERFORMANCE_INTERVAL": c.PerformanceInterval,
		"MONITOR_CLEANUP_INTERVAL":     c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
