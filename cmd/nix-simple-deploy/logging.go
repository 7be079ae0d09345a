package main

import (
	"io"
	"log"
	"log/slog"
	"strings"
)

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, ok := parseLevel(level)
	if !ok {
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		log.Printf("unknown --log-format=%q (expected text|json); defaulting to text", format)
		return slog.New(slog.NewTextHandler(w, opts))
	}
}
