// Package logging builds the zap logger shared by the harvester commands and
// the status server.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every entry so harvest logs can be told apart
// from other workloads in a shared sink.
const ServiceName = "procurement-harvester"

// Config selects the encoder and the minimum level.
type Config struct {
	// Development switches to the colored console encoder at debug level.
	Development bool
	// Level overrides the mode's default level (debug, info, warn, error).
	Level string
}

// New builds the harvester logger. Production mode logs JSON with stack
// traces on errors.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.DisableStacktrace = false
	}
	zc.EncoderConfig.TimeKey = "ts"
	if level := strings.TrimSpace(cfg.Level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	zc.InitialFields = map[string]any{"service": ServiceName}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
