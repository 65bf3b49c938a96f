package config

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// levelTrace sits one step below slog's own LevelDebug, since the
// configuration schema accepts TRACE but slog has no built-in level below
// Debug.
const levelTrace slog.Level = slog.LevelDebug - 4

// NewLogger builds the process-wide structured logger from a Telemetry
// document: level-filtered JSON on stderr, additionally mirrored to a
// size-rotated file when LogFile is set.
func NewLogger(t Telemetry) *slog.Logger {
	level := slog.LevelInfo
	switch t.LogLevel {
	case "ERROR":
		level = slog.LevelError
	case "WARN":
		level = slog.LevelWarn
	case "INFO":
		level = slog.LevelInfo
	case "DEBUG":
		level = slog.LevelDebug
	case "TRACE":
		level = levelTrace
	}

	var out io.Writer = os.Stderr
	if t.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   t.LogFile,
			MaxSize:    t.LogMaxSizeMB,
			MaxBackups: t.LogMaxBackups,
			MaxAge:     t.LogMaxAgeDays,
		})
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
