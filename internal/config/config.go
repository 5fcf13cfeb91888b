// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// HubConfig holds configuration for the hub process
type HubConfig struct {
	DataDir             string // Directory holding {symbol}_{year}.json/.db files and syncer.db (always absolute)
	Port                int
	SQLiteDriver        string // "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo)
	MaxRetries          int
	MaxOpenTables       int // Open live-table handles kept in memory
	LeaseTimeout        time.Duration
	Script              string // Fetch script name handed to the worker
	Interval            string // Bar interval handed to the fetch script
	WakeSchedule        string // Cron spec for the pending-task wake sweep
	RolloverSchedule    string // Cron spec for archiving live tables of closed years
	MaintenanceSchedule string // Cron spec for the syncer.db integrity and WAL check
	WorkerPID           int
	WorkerPIDFile       string
	LogLevel            string
	LogPretty           bool
	DevMode             bool
	R2                  R2Config
}

// R2Config configures the optional S3-compatible archive mirror.
type R2Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Enabled reports whether enough settings are present to build a mirror client.
func (c R2Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// WorkerConfig holds configuration for the worker process
type WorkerConfig struct {
	HubURL            string
	ScriptDir         string
	ScriptInterpreter string
	ScriptExt         string
	FetchTimeout      time.Duration
	DeliveryRetries   int
	PollSchedule      string
	PIDFile           string
	UseWebSocket      bool
	LogLevel          string
	LogPretty         bool
}

// LoadHub reads hub configuration from the environment (and .env if present)
func LoadHub() (*HubConfig, error) {
	_ = godotenv.Load()

	dataDir, err := ensureDir(getEnv("PRICEHUB_DATA_DIR", "db"))
	if err != nil {
		return nil, err
	}

	cfg := &HubConfig{
		DataDir:             dataDir,
		Port:                getEnvAsInt("PRICEHUB_PORT", 8081),
		SQLiteDriver:        getEnv("PRICEHUB_SQLITE_DRIVER", "sqlite"),
		MaxRetries:          getEnvAsInt("PRICEHUB_MAX_RETRIES", 3),
		MaxOpenTables:       getEnvAsInt("PRICEHUB_MAX_DB_CACHES", 3),
		LeaseTimeout:        getEnvAsDuration("PRICEHUB_LEASE_TIMEOUT", 30*time.Minute),
		Script:              getEnv("PRICEHUB_SCRIPT", "yfinance_worker"),
		Interval:            getEnv("PRICEHUB_INTERVAL", "1d"),
		WakeSchedule:        getEnv("PRICEHUB_WAKE_INTERVAL", "@every 5m"),
		RolloverSchedule:    getEnv("PRICEHUB_ROLLOVER_SCHEDULE", "5 0 * * *"),
		MaintenanceSchedule: getEnv("PRICEHUB_MAINTENANCE_SCHEDULE", "@hourly"),
		WorkerPID:           getEnvAsInt("WORKER_PID", 0),
		WorkerPIDFile:       getEnv("WORKER_PID_FILE", filepath.Join(dataDir, "worker.pid")),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvAsBool("LOG_PRETTY", false),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		R2: R2Config{
			Endpoint:        getEnv("R2_ENDPOINT", ""),
			Bucket:          getEnv("R2_BUCKET", ""),
			AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
			Region:          getEnv("R2_REGION", "auto"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that hub settings are usable
func (c *HubConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("PRICEHUB_PORT must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("PRICEHUB_MAX_RETRIES must be >= 0")
	}
	if c.MaxOpenTables <= 0 {
		return fmt.Errorf("PRICEHUB_MAX_DB_CACHES must be > 0")
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("PRICEHUB_LEASE_TIMEOUT must be > 0")
	}
	if c.SQLiteDriver != "sqlite" && c.SQLiteDriver != "sqlite3" {
		return fmt.Errorf("PRICEHUB_SQLITE_DRIVER must be sqlite or sqlite3, got %q", c.SQLiteDriver)
	}
	if c.Script == "" {
		return fmt.Errorf("PRICEHUB_SCRIPT must not be empty")
	}
	return nil
}

// LoadWorker reads worker configuration from the environment (and .env if present)
func LoadWorker() (*WorkerConfig, error) {
	_ = godotenv.Load()

	cfg := &WorkerConfig{
		HubURL:            getEnv("PRICEHUB_URL", "http://localhost:8081"),
		ScriptDir:         getEnv("WORKER_SCRIPT_DIR", "syncer"),
		ScriptInterpreter: getEnv("WORKER_SCRIPT_INTERPRETER", "python3"),
		ScriptExt:         getEnv("WORKER_SCRIPT_EXT", ".py"),
		FetchTimeout:      getEnvAsDuration("WORKER_FETCH_TIMEOUT", 5*time.Minute),
		DeliveryRetries:   getEnvAsInt("WORKER_DELIVERY_RETRIES", 3),
		PollSchedule:      getEnv("WORKER_POLL_SCHEDULE", "@every 5m"),
		PIDFile:           getEnv("WORKER_PID_FILE", filepath.Join("db", "worker.pid")),
		UseWebSocket:      getEnvAsBool("WORKER_WEBSOCKET", true),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnvAsBool("LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that worker settings are usable
func (c *WorkerConfig) Validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("PRICEHUB_URL must not be empty")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("WORKER_FETCH_TIMEOUT must be > 0")
	}
	if c.DeliveryRetries < 0 {
		return fmt.Errorf("WORKER_DELIVERY_RETRIES must be >= 0")
	}
	return nil
}

func ensureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return abs, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
