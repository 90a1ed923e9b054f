// Package config loads the bot configuration from the process
// environment, with .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	FeedConfig     FeedConfig
	ServerConfig   ServerConfig
	DatabaseConfig DatabaseConfig
	RedisConfig    RedisConfig
	VaultConfig    VaultConfig
	LoggingConfig  LoggingConfig
}

// FeedConfig holds the websocket market feed settings.
type FeedConfig struct {
	WSURL    string // full websocket endpoint
	APIToken string // optional, empty means anonymous tick access
	AppID    string
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host            string
	Port            int
	ProductionMode  bool
	SessionSecret   string // optional, reserved for a future UI layer
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL settings. Persistence is optional:
// an empty URL disables it.
type DatabaseConfig struct {
	URL string
}

func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// RedisConfig holds Redis settings for learner state snapshots.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// VaultConfig holds HashiCorp Vault settings for the feed token.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string // KV secrets engine mount path
	SecretPath string // path of the feed credentials secret
	TLSEnabled bool
	CACert     string
}

type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console writer instead of JSON
}

// Load reads .env if present, then builds the config from the
// environment. Real environment variables win over .env values
// because godotenv does not overwrite existing keys.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		FeedConfig: FeedConfig{
			WSURL:    getEnvOrDefault("FEED_WS_URL", "wss://ws.derivws.com/websockets/v3"),
			APIToken: os.Getenv("FEED_API_TOKEN"),
			AppID:    getEnvOrDefault("FEED_APP_ID", "1089"),
		},
		ServerConfig: ServerConfig{
			Host:            getEnvOrDefault("WEB_HOST", "0.0.0.0"),
			Port:            getEnvIntOrDefault("PORT", 5000),
			ProductionMode:  getEnvOrDefault("ENVIRONMENT", "development") == "production",
			SessionSecret:   os.Getenv("SESSION_SECRET"),
			ShutdownTimeout: getEnvDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		DatabaseConfig: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		RedisConfig: RedisConfig{
			Enabled:  getEnvOrDefault("REDIS_ENABLED", "false") == "true",
			Address:  getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
		VaultConfig: VaultConfig{
			Enabled:    getEnvOrDefault("VAULT_ENABLED", "false") == "true",
			Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
			Token:      os.Getenv("VAULT_TOKEN"),
			MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "signal-bot/feed"),
			TLSEnabled: getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true",
			CACert:     os.Getenv("VAULT_CA_CERT"),
		},
		LoggingConfig: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Pretty: getEnvOrDefault("LOG_PRETTY", "false") == "true",
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.FeedConfig.WSURL == "" {
		return fmt.Errorf("FEED_WS_URL must not be empty")
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.ServerConfig.Port)
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		return fmt.Errorf("VAULT_TOKEN is required when VAULT_ENABLED=true")
	}
	return nil
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
