// Package clog is the shared zap logger used across the compiler: a thin
// wrapper so every package takes a *zap.Logger and gets a safe no-op
// default instead of checking for nil everywhere.
package clog

import "go.uber.org/zap"

// Nop returns the package-wide no-op logger, safe to embed as a default
// zero value in any Options struct.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// New builds a development-style console logger at the given level name
// ("debug", "info", "warn", "error"); an unrecognized name falls back to
// "info". This mirrors the level flag the CLI exposes.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	var lv zap.AtomicLevel
	switch level {
	case "debug":
		lv = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		lv = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		lv = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		lv = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lv
	return cfg.Build()
}
