package main

import (
	"log/slog"
	"os"
	"strings"
)

type LogConfig struct {
	Level string
}

// initLogger writes to stderr so that command output on stdout stays clean.
// Unknown levels fall back to INFO.
func initLogger(logLevel string) {
	logLevel = strings.ToUpper(strings.TrimSpace(logLevel))
	if logLevel == "WARNING" {
		logLevel = "WARN"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
