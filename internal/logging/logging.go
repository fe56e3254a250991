// Package logging builds the process-wide zap logger. Every component
// constructor in this module takes a *zap.SugaredLogger directly, so
// this package's only job is producing the one top-level logger
// cmd/engine wires into each of them.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the top-level logger's format and level.
type Config struct {
	Level      string // debug|info|warn|error, default info
	Production bool   // JSON encoding + sampling when true, console otherwise
}

// New builds a *zap.SugaredLogger per cfg. Production uses zap's JSON
// production config (sampled, ISO8601 timestamps); non-production uses
// the console-friendly development config.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Production {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("logging: invalid level %q: %w", raw, err)
	}
	return lvl, nil
}
