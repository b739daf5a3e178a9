package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all procman server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	Retention  int    `json:"retention"`
	DBPath     string `json:"db_path"` // empty disables the history store
	AgentURL   string `json:"agent_url"`
	AgentToken string `json:"agent_token"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		PoolSize:  10,
		Retention: 1000,
		DBPath:    filepath.Join(procmanDir(), "history.db"),
	}
}

func procmanDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procman"
	}
	return filepath.Join(home, ".procman")
}

func settingsPath() string {
	return filepath.Join(procmanDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROCMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCMAN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("PROCMAN_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention = n
		}
	}
	if v, ok := os.LookupEnv("PROCMAN_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROCMAN_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
	if v := os.Getenv("PROCMAN_AGENT_TOKEN"); v != "" {
		cfg.AgentToken = v
	}

	return cfg
}
