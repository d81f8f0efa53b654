// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the PostPulse API service.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Admin API
	AdminAPIKey string // Required for /api/v1/admin endpoints; empty disables them

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Identity provider (JWT verification)
	JWKSURL      string
	AuthIssuer   string
	AuthAudience string

	// Billing webhooks
	BillingWebhookSecret string

	// AI provider
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string

	// Per-IP rate limiting on the generation endpoints
	RateLimitMax    int64
	RateLimitWindow time.Duration

	// CORS
	AllowedOrigins []string
}

// Load reads configuration from the environment, with a .env file as a
// development convenience. Environment variables win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("POSTPULSE_PORT", "8080"),
		LogLevel: getEnv("POSTPULSE_LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("POSTPULSE_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "postpulse"),
		DBUser:     getEnv("POSTGRES_USER", "postpulse"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		JWKSURL:      os.Getenv("AUTH_JWKS_URL"),
		AuthIssuer:   os.Getenv("AUTH_ISSUER"),
		AuthAudience: os.Getenv("AUTH_AUDIENCE"),

		BillingWebhookSecret: os.Getenv("BILLING_WEBHOOK_SECRET"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),

		AllowedOrigins: []string{getEnv("POSTPULSE_ALLOWED_ORIGIN", "*")},
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	rateMax, err := strconv.ParseInt(getEnv("POSTPULSE_RATE_LIMIT_MAX", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid POSTPULSE_RATE_LIMIT_MAX: %w", err)
	}
	cfg.RateLimitMax = rateMax

	windowSec, err := strconv.Atoi(getEnv("POSTPULSE_RATE_LIMIT_WINDOW_SECONDS", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTPULSE_RATE_LIMIT_WINDOW_SECONDS: %w", err)
	}
	cfg.RateLimitWindow = time.Duration(windowSec) * time.Second

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
