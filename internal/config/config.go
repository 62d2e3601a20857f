package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Session token signing secret (server side)
	SessionTokenSecret string

	// Client configuration
	APIBaseURL        string
	ProtocolSignature string
	DataDir           string
	Credential        string

	// Retry loop configuration
	RetryIntervalSeconds int
	MaxVerifyRetries     int

	// Rate limiting (verify_purchase, per device)
	RateLimitPerMinute int
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                 getEnv("PORT", "8080"),
		Mode:                 getEnv("GIN_MODE", "debug"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		SessionTokenSecret:   getEnv("SESSION_TOKEN_SECRET", "dev-session-secret"),
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080"),
		ProtocolSignature:    getEnv("PROTOCOL_SIGNATURE", "AG_NEURAL_LINK_2026_PROTOTYPE_SECURE"),
		DataDir:              getEnv("DATA_DIR", "."),
		Credential:           getEnv("IDENTITY_CREDENTIAL", ""),
		RetryIntervalSeconds: getEnvInt("RETRY_INTERVAL_SECONDS", 30),
		MaxVerifyRetries:     getEnvInt("MAX_VERIFY_RETRIES", 200),
		RateLimitPerMinute:   getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
