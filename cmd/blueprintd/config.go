package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all blueprintd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	DefinitionsDir  string `json:"definitions_dir"`
	LogLevel        string `json:"log_level"`
	LoopConcurrency int    `json:"loop_concurrency"`
	Scheduler       bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(blueprintDir(), "blueprint.db"),
		DefinitionsDir:  filepath.Join(blueprintDir(), "definitions"),
		LogLevel:        "info",
		LoopConcurrency: 4,
		Scheduler:       true,
	}
}

func blueprintDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blueprint"
	}
	return filepath.Join(home, ".blueprint")
}

func settingsPath() string {
	return filepath.Join(blueprintDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BLUEPRINT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BLUEPRINT_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("BLUEPRINT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLUEPRINT_LOOP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoopConcurrency = n
		}
	}
	if v := os.Getenv("BLUEPRINT_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
