// Package main is the entry point for the unisync server.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/unisync/unisync/cmd/unisyncd/app"
)

// getLogLevel parses the UNISYNC_LOG_LEVEL environment variable, falling back
// to LOG_LEVEL. Defaults to info if neither is set or the value is invalid.
func getLogLevel() slog.Level {
	levelStr := os.Getenv("UNISYNC_LOG_LEVEL")
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: getLogLevel(),
	})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
