package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key, or fallback if unset or unparsable.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of key (e.g. "30s"), or fallback if unset
// or unparsable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Config is the process configuration assembled from the environment.
type Config struct {
	Port               string
	LogLevel           string
	LogFormat          string
	Development        bool
	StoreDriver        string
	SQLitePath         string
	LockJobTimeout     time.Duration
	LockSlowStart      time.Duration
	CacheLifetime      time.Duration
	CacheTierYield     time.Duration
	StudioSettingsFile string
}

// FromEnv reads Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:               GetEnv("PORT", "8080"),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
		Development:        strings.EqualFold(GetEnv("APP_ENV", "production"), "development"),
		StoreDriver:        GetEnv("STORE_DRIVER", "memory"),
		SQLitePath:         GetEnv("SQLITE_PATH", "rundowns.db"),
		LockJobTimeout:     GetEnvDuration("LOCK_JOB_TIMEOUT", 60*time.Second),
		LockSlowStart:      GetEnvDuration("LOCK_SLOW_START", time.Second),
		CacheLifetime:      GetEnvDuration("CACHE_LIFETIME", 30*time.Second),
		CacheTierYield:     GetEnvDuration("CACHE_TIER_YIELD", 5*time.Millisecond),
		StudioSettingsFile: GetEnv("STUDIO_SETTINGS_FILE", ""),
	}
}
