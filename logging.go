package stageflow

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging configuration.
// The level defaults to info.
func NewLogger(config LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		if err := level.Set(config.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
	}

	var zc zap.Config
	if config.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
