package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration in a structured way.
type Config struct {
	App      AppConfig
	Paths    PathsConfig
	Database DatabaseConfig
	Valkey   ValkeyConfig
	Pool     PoolConfig
	Batch    BatchConfig
	Webhook  WebhookConfig
	Security SecurityConfig
}

type AppConfig struct {
	Version        string
	Port           string
	Debug          bool
	Environment    string
	BasicAuth      []string
	BasePath       string
	TrustedProxies []string
	CorsOrigins    []string
}

type PathsConfig struct {
	Storages string
}

type DatabaseConfig struct {
	Driver   string // sqlite or postgres
	Name     string // file path for SQLite, DSN for Postgres
	Host     string
	Port     int
	User     string
	Password string
}

type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// PoolConfig tunes the key-value connection pool.
type PoolConfig struct {
	Enabled        bool
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

// BatchConfig tunes the outbound message batcher.
type BatchConfig struct {
	MaxBatchSize  int
	MaxBatchWait  time.Duration
	SmartBatching bool
}

type WebhookConfig struct {
	URLs               []string
	Secret             string
	InsecureSkipVerify bool
}

type SecurityConfig struct {
	SecretKey string
}

// Global provides access to the loaded configuration globally.
var Global *Config

// LoadConfig loads configuration from environment variables or defaults.
// Every field has a default, so the application runs with zero explicit
// configuration.
func LoadConfig() (*Config, error) {
	storages := getEnv("APP_BASE_DIR", "storages")

	appCfg := AppConfig{
		Version:        "v1.2.0",
		Port:           getEnv("APP_PORT", "3000"),
		Debug:          getEnvBool("APP_DEBUG", false),
		Environment:    getEnv("APP_ENV", "development"),
		BasePath:       getEnv("APP_BASE_PATH", ""),
		CorsOrigins:    splitCSV(getEnv("APP_CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		BasicAuth:      splitCSV(getEnv("APP_BASIC_AUTH", "")),
		TrustedProxies: splitCSV(getEnv("APP_TRUSTED_PROXIES", "")),
	}

	dbCfg := DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", "sqlite"),
		Name:     getEnv("DB_NAME", filepath.Join(storages, "warelay.db")),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
	}

	valkeyCfg := ValkeyConfig{
		Address:   getEnv("VALKEY_ADDRESS", "localhost:6379"),
		Password:  getEnv("VALKEY_PASSWORD", ""),
		DB:        getEnvInt("VALKEY_DB", 0),
		KeyPrefix: getEnv("VALKEY_KEY_PREFIX", "warelay:"),
	}

	poolCfg := PoolConfig{
		Enabled:        getEnvBool("POOL_ENABLED", true),
		MinConns:       getEnvInt("POOL_MIN_CONNECTIONS", 2),
		MaxConns:       getEnvInt("POOL_MAX_CONNECTIONS", 10),
		AcquireTimeout: getEnvDuration("POOL_ACQUIRE_TIMEOUT_MS", 5000),
		IdleTimeout:    getEnvDuration("POOL_IDLE_TIMEOUT_MS", 60000),
	}

	batchCfg := BatchConfig{
		MaxBatchSize:  getEnvInt("BATCH_MAX_SIZE", 5),
		MaxBatchWait:  getEnvDuration("BATCH_MAX_WAIT_MS", 5000),
		SmartBatching: getEnvBool("BATCH_SMART_ENABLED", true),
	}

	webhookCfg := WebhookConfig{
		URLs:               splitCSV(getEnv("WEBHOOK_URLS", "")),
		Secret:             getEnv("WEBHOOK_SECRET", "secret"),
		InsecureSkipVerify: getEnvBool("WEBHOOK_INSECURE_SKIP_VERIFY", false),
	}

	cfg := &Config{
		App:      appCfg,
		Paths:    PathsConfig{Storages: storages},
		Database: dbCfg,
		Valkey:   valkeyCfg,
		Pool:     poolCfg,
		Batch:    batchCfg,
		Webhook:  webhookCfg,
		Security: SecurityConfig{SecretKey: getEnv("APP_SECRET_KEY", "changeme_please_change_me_in_prod_12345")},
	}

	Global = cfg
	return cfg, nil
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
