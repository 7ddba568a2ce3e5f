package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"trailstop/internal/barclock"
	"trailstop/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	// The bar period must map onto a venue interval
	switch cfg.App.Exchange {
	case config.ExchangeBinance, config.ExchangePaper:
		if _, err := barclock.BinanceInterval(cfg.Trailing.Period); err != nil {
			return fmt.Errorf("trailing.period: %w", err)
		}
	case config.ExchangeAlpaca:
		if _, err := barclock.AlpacaTimeFrame(cfg.Trailing.Period); err != nil {
			return fmt.Errorf("trailing.period: %w", err)
		}
	}

	if cfg.App.JournalPath != "" {
		dir := filepath.Dir(cfg.App.JournalPath)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("journal directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("journal directory is not a directory: %s", dir)
		}
		if info.Mode().Perm()&0200 == 0 {
			return fmt.Errorf("journal directory is not writable: %s", dir)
		}
	}

	// Telegram needs both halves
	hasToken := cfg.Alerts.TelegramBotToken != ""
	hasChat := cfg.Alerts.TelegramChatID != ""
	if hasToken != hasChat {
		return fmt.Errorf("alerts.telegram_bot_token and alerts.telegram_chat_id must be set together")
	}

	if cfg.Server.HealthPort != "" && cfg.Server.HealthPort == cfg.Server.GRPCPort {
		return fmt.Errorf("server.health_port and server.grpc_port must differ (both %s)", cfg.Server.HealthPort)
	}

	return nil
}
