package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all dealflow runner configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`       // journal database; empty keeps events in memory
	TemplatesDir    string `json:"templates_dir"` // directory of workflow template JSON files
	LogLevel        string `json:"log_level"`
	ApproverRole    string `json:"approver_role"`
	ConditionEngine string `json:"condition_engine"` // rule condition engine: "cel" or "expr"
}

func defaultConfig() Config {
	return Config{
		TemplatesDir:    filepath.Join(dealflowDir(), "templates"),
		LogLevel:        "info",
		ConditionEngine: "cel",
	}
}

func dealflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dealflow"
	}
	return filepath.Join(home, ".dealflow")
}

func settingsPath() string {
	return filepath.Join(dealflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DEALFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DEALFLOW_TEMPLATES_DIR"); v != "" {
		cfg.TemplatesDir = v
	}
	if v := os.Getenv("DEALFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEALFLOW_APPROVER_ROLE"); v != "" {
		cfg.ApproverRole = v
	}
	if v := os.Getenv("DEALFLOW_CONDITION_ENGINE"); v != "" {
		cfg.ConditionEngine = v
	}

	return cfg
}

func parseLogLevel(s string) (level int, ok bool) {
	switch s {
	case "debug":
		return -4, true
	case "info":
		return 0, true
	case "warn":
		return 4, true
	case "error":
		return 8, true
	default:
		return 0, false
	}
}
