package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetAllSettings returns a map of all dynamic settings currently loaded in
// memory, for the monitoring surface.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"app_version":          Global.App.Version,
		"app_debug":            Global.App.Debug,
		"pool_enabled":         Global.Pool.Enabled,
		"pool_min_connections": Global.Pool.MinConns,
		"pool_max_connections": Global.Pool.MaxConns,
		"batch_max_size":       Global.Batch.MaxBatchSize,
		"batch_max_wait_ms":    Global.Batch.MaxBatchWait.Milliseconds(),
		"batch_smart_enabled":  Global.Batch.SmartBatching,
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}

// getEnvDuration reads a millisecond value from the environment.
func getEnvDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
