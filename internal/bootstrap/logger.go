package bootstrap

import (
	"fmt"

	"trailstop/internal/core"
	"trailstop/pkg/logging"
)

// InitLogger builds the zap logger for cfg and installs it as the global logger
func InitLogger(cfg *Config) (core.ILogger, error) {
	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger := zl.WithFields(map[string]interface{}{
		"exchange": cfg.App.Exchange,
		"symbol":   cfg.Trailing.Symbol,
	})
	logging.SetGlobalLogger(logger)

	return logger, nil
}
