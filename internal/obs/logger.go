// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the engine's structured logger at the given level
// ("debug", "warn", "error"; anything else falls back to "info"), JSON
// encoded so cmd/jobqueue's stdout can be shipped to a log aggregator
// without a reformatting step.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// String, Int, Bool, Err, and QueueField are thin wrappers over zap's typed
// field constructors so callers in this module don't need to import
// go.uber.org/zap directly just to log a field.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }

// QueueField tags a log line with the queue it concerns, the one field
// almost every line emitted by internal/jobqueue and internal/reaper
// carries.
func QueueField(name string) zap.Field { return zap.String("queue", name) }
