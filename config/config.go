package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	CORSOrigin  string
	LogLevel    string
	LogFormat   string
	Migrations  bool

	// Issuer data printed on every fiscal document.
	IssuerTaxID    string
	IssuerName     string
	DocumentSeries string

	StampingURL     string
	StampingAPIKey  string
	StampingTimeout time.Duration
	StampingSandbox bool

	PolicyFile string
	Policy     Policy
}

func LoadConfig() (*Config, error) {
	godotenv.Load()

	timeout, err := time.ParseDuration(getEnvOrDefault("STAMPING_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid STAMPING_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("STAMPING_TIMEOUT must be positive")
	}

	cfg := &Config{
		Port:            getEnvOrDefault("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		CORSOrigin:      getEnvOrDefault("CORS_ORIGIN", "*"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       getEnvOrDefault("LOG_FORMAT", "json"),
		Migrations:      getEnvBool("MIGRATIONS"),
		IssuerTaxID:     strings.ToUpper(os.Getenv("ISSUER_TAX_ID")),
		IssuerName:      os.Getenv("ISSUER_NAME"),
		DocumentSeries:  strings.ToUpper(getEnvOrDefault("DOCUMENT_SERIES", "A")),
		StampingURL:     os.Getenv("STAMPING_URL"),
		StampingAPIKey:  os.Getenv("STAMPING_API_KEY"),
		StampingTimeout: timeout,
		StampingSandbox: getEnvBool("STAMPING_SANDBOX"),
		PolicyFile:      os.Getenv("POLICY_FILE"),
	}

	if !cfg.StampingSandbox && cfg.StampingURL == "" {
		return nil, fmt.Errorf("STAMPING_URL is required unless STAMPING_SANDBOX is enabled")
	}
	if len(cfg.DocumentSeries) > 10 {
		return nil, fmt.Errorf("DOCUMENT_SERIES must be at most 10 characters")
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return strings.EqualFold(os.Getenv(key), "yes")
	}
	return v
}
