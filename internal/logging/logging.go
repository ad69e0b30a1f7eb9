// Package logging builds the zap loggers used across the proxy and
// coordinator processes: a JSON production logger for normal operation and a
// development logger for local runs and tests.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger at the given level ("debug", "info",
// "warn", "error"). An unrecognized level falls back to info. It starts
// from zap's standard production config and only overrides what the proxy
// and coordinator processes actually need: a parsed level and
// human-readable (rather than epoch-float) timestamps.
func New(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// NewDevelopment builds a human-readable console logger, for local runs and
// test fixtures that don't want JSON noise.
func NewDevelopment() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
