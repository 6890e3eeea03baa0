package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all spellcast server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string `json:"listen_addr"` // webhook ingestion server
	DBPath           string `json:"db_path"`
	CatalogPath      string `json:"catalog_path"`
	LogLevel         string `json:"log_level"`
	PollIntervalSecs int    `json:"poll_interval_secs"`
	MaxJobMinutes    int    `json:"max_job_minutes"`
	Scheduler        bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(spellcastDir(), "spellcast.db"),
		CatalogPath:      filepath.Join(spellcastDir(), "catalog.json"),
		LogLevel:         "info",
		PollIntervalSecs: 5,
		MaxJobMinutes:    30,
		Scheduler:        true,
	}
}

func spellcastDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spellcast"
	}
	return filepath.Join(home, ".spellcast")
}

func settingsPath() string {
	return filepath.Join(spellcastDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SPELLCAST_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SPELLCAST_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SPELLCAST_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("SPELLCAST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPELLCAST_POLL_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSecs = n
		}
	}
	if v := os.Getenv("SPELLCAST_MAX_JOB_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxJobMinutes = n
		}
	}
	if v := os.Getenv("SPELLCAST_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
