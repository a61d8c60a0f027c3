// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Stores. Both are optional; empty means in-memory.
	RedisURL    string
	DatabaseURL string

	// Kafka. Ingest and forwarding are disabled without brokers.
	KafkaBrokers     []string
	KafkaIngestTopic string
	KafkaGroupID     string
	KafkaAlertsTopic string

	// Model manager. Empty ModelURL uses the built-in heuristic model.
	ModelURL     string
	ModelTimeout time.Duration

	// Scoring
	HighRiskThreshold   float64
	MediumRiskThreshold float64
	AlertTTL            time.Duration
	StatsBucketTTL      time.Duration
	VelocityMaxEntries  int
	HistorySize         int

	// Dispatcher
	Workers         int
	QueueSize       int
	StatsInterval   time.Duration
	StatsWindow     time.Duration
	AnalysisTimeout time.Duration

	// IP intelligence (optional MaxMind databases)
	GeoIPCityDB       string
	GeoIPASNDB        string
	HighRiskCountries []string
	HostingKeywords   []string

	// Security
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing; empty disables export
	OTelEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultKafkaIngestTopic    = "transactions"
	DefaultKafkaGroupID        = "fraudwatch"
	DefaultKafkaAlertsTopic    = "fraud-alerts"
	DefaultModelTimeout        = 2 * time.Second
	DefaultHighRiskThreshold   = 0.8
	DefaultMediumRiskThreshold = 0.5
	DefaultAlertTTL            = time.Hour
	DefaultVelocityMaxEntries  = 100
	DefaultHistorySize         = 1000
	DefaultWorkers             = 8
	DefaultQueueSize           = 1024
	DefaultStatsInterval       = 5 * time.Second
	DefaultStatsWindow         = time.Hour
	DefaultAnalysisTimeout     = 10 * time.Second
	DefaultStatsBucketTTL      = 24 * time.Hour
	DefaultRateLimit           = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		RedisURL:            os.Getenv("REDIS_URL"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaIngestTopic:    getEnv("KAFKA_INGEST_TOPIC", DefaultKafkaIngestTopic),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaAlertsTopic:    getEnv("KAFKA_ALERTS_TOPIC", DefaultKafkaAlertsTopic),
		ModelURL:            os.Getenv("MODEL_URL"),
		ModelTimeout:        getEnvDuration("MODEL_TIMEOUT", DefaultModelTimeout),
		HighRiskThreshold:   getEnvFloat("HIGH_RISK_THRESHOLD", DefaultHighRiskThreshold),
		MediumRiskThreshold: getEnvFloat("MEDIUM_RISK_THRESHOLD", DefaultMediumRiskThreshold),
		AlertTTL:            getEnvDuration("ALERT_TTL", DefaultAlertTTL),
		VelocityMaxEntries:  getEnvInt("VELOCITY_MAX_ENTRIES", DefaultVelocityMaxEntries),
		HistorySize:         getEnvInt("HISTORY_SIZE", DefaultHistorySize),
		Workers:             getEnvInt("WORKERS", DefaultWorkers),
		QueueSize:           getEnvInt("QUEUE_SIZE", DefaultQueueSize),
		StatsInterval:       getEnvDuration("STATS_INTERVAL", DefaultStatsInterval),
		StatsWindow:         getEnvDuration("STATS_WINDOW", DefaultStatsWindow),
		AnalysisTimeout:     getEnvDuration("ANALYSIS_TIMEOUT", DefaultAnalysisTimeout),
		StatsBucketTTL:      getEnvDuration("STATS_BUCKET_TTL", DefaultStatsBucketTTL),
		GeoIPCityDB:         os.Getenv("GEOIP_CITY_DB"),
		GeoIPASNDB:          os.Getenv("GEOIP_ASN_DB"),
		HighRiskCountries:   getEnvList("HIGH_RISK_COUNTRIES"),
		HostingKeywords:     getEnvList("HOSTING_KEYWORDS"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	h, m := c.HighRiskThreshold, c.MediumRiskThreshold
	if !(m > 0 && m < h && h <= 1) {
		return fmt.Errorf("risk thresholds must satisfy 0 < MEDIUM_RISK_THRESHOLD < HIGH_RISK_THRESHOLD <= 1 (got %v, %v)", m, h)
	}

	for name, d := range map[string]time.Duration{
		"MODEL_TIMEOUT":    c.ModelTimeout,
		"ALERT_TTL":        c.AlertTTL,
		"STATS_INTERVAL":   c.StatsInterval,
		"STATS_WINDOW":     c.StatsWindow,
		"ANALYSIS_TIMEOUT": c.AnalysisTimeout,
		"STATS_BUCKET_TTL": c.StatsBucketTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.AnalysisTimeout <= c.ModelTimeout {
		return fmt.Errorf("ANALYSIS_TIMEOUT (%s) must exceed MODEL_TIMEOUT (%s)", c.AnalysisTimeout, c.ModelTimeout)
	}

	for name, n := range map[string]int{
		"VELOCITY_MAX_ENTRIES": c.VelocityMaxEntries,
		"HISTORY_SIZE":         c.HistorySize,
		"WORKERS":              c.Workers,
		"QUEUE_SIZE":           c.QueueSize,
		"RATE_LIMIT_RPM":       c.RateLimitRPM,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	// Velocity windows must be shared between replicas in production.
	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production")
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

// KafkaEnabled reports whether brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
