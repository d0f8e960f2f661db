package utils

import (
	"gohan/ingest/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the global logger: development encoding in debug mode,
// json otherwise
func NewLogger(cfg *models.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg = zap.NewDevelopmentConfig()
		level = zapcore.DebugLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
