package config

import (
	"log/slog"
	"os"
	"strings"
)

// ApplyEnv overlays CTXBUDGET_* environment variables on top of the loaded file.
func ApplyEnv(cfg Config) Config {
	if endpoint := strings.TrimSpace(os.Getenv("CTXBUDGET_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if level := strings.TrimSpace(os.Getenv("CTXBUDGET_LOG_LEVEL")); level != "" {
		cfg.Debug.LogLevel = level
	}
	if os.Getenv("CTXBUDGET_DEBUG_LOG_REQUESTS") == "1" {
		cfg.Debug.LogRequests = true
	}
	if os.Getenv("CTXBUDGET_DEBUG_LOG_RESPONSES") == "1" {
		cfg.Debug.LogResponses = true
	}
	if os.Getenv("CTXBUDGET_MEMORY") == "0" {
		cfg.Memory.Enabled = false
	}
	return cfg
}

// SlogLevel maps the configured log level onto slog, defaulting to info.
func (d DebugConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(d.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger the same way for the daemon and the CLI.
func NewLogger(d DebugConfig) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: d.SlogLevel()}))
}
