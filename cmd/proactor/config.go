package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/steadyline/proactor/internal/tools"
)

// Config holds all proactor server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"

	RedisAddr     string `json:"redis_addr"` // empty runs tasks inline
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisQueue    string `json:"redis_queue"`
	RedisWorkers  int    `json:"redis_workers"`

	TimeoutHours       float64 `json:"timeout_hours"`
	ExtensionHours     float64 `json:"extension_hours"`
	MaxRetries         int     `json:"max_retries"`
	MaxChainIterations int     `json:"max_chain_iterations"`
	RetentionDays      int     `json:"retention_days"`

	MonitorCron string `json:"monitor_cron"`
	SweeperCron string `json:"sweeper_cron"`

	Plugins []tools.PluginConfig `json:"plugins"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(proactorDir(), "proactor.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		MonitorCron: "*/5 * * * *",
		SweeperCron: "0 3 * * *",
	}
}

func proactorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proactor"
	}
	return filepath.Join(home, ".proactor")
}

func settingsPath() string {
	return filepath.Join(proactorDir(), "settings.json")
}

func loadConfig(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if path == "" {
		path = settingsPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROACTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROACTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROACTOR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PROACTOR_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PROACTOR_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PROACTOR_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("PROACTOR_REDIS_QUEUE"); v != "" {
		cfg.RedisQueue = v
	}
	if v := os.Getenv("PROACTOR_REDIS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisWorkers = n
		}
	}
	if v := os.Getenv("PROACTOR_TIMEOUT_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TimeoutHours = f
		}
	}
	if v := os.Getenv("PROACTOR_EXTENSION_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ExtensionHours = f
		}
	}
	if v := os.Getenv("PROACTOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("PROACTOR_MAX_CHAIN_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxChainIterations = n
		}
	}
	if v := os.Getenv("PROACTOR_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("PROACTOR_MONITOR_CRON"); v != "" {
		cfg.MonitorCron = v
	}
	if v := os.Getenv("PROACTOR_SWEEPER_CRON"); v != "" {
		cfg.SweeperCron = v
	}

	return cfg
}
