// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "IMPULSE_LOG_LEVEL"

// New returns a logger at the given level ("debug", "info", "warn", "error";
// empty means info). Development loggers use the console encoder with
// colored levels; production loggers emit JSON.
func New(level string, development bool) (*zap.Logger, error) {
	if env := strings.TrimSpace(os.Getenv(EnvLogLevel)); env != "" {
		level = env
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ParseLevel accepts the zap level names, plus "trace" and "warning" as
// aliases for debug and warn. Empty means info.
func ParseLevel(raw string) (zapcore.Level, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch text {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		text = "debug"
	case "warning":
		text = "warn"
	}
	lvl, err := zapcore.ParseLevel(text)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: %w", err)
	}
	return lvl, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
