// Package logger builds the structured logger shared by every taskmesh component.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"taskmesh/internal/config"
)

// New creates a JSON *slog.Logger writing to stdout with a "service" attribute.
func New(cfg config.LoggingConfig) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg)
}

func NewWithWriter(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	service := cfg.Service
	if service == "" {
		service = "taskmesh"
	}
	return slog.New(handler).With("service", service)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
