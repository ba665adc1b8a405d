package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds the secrets and deployment knobs that may come from
// the environment instead of the config file.
type envOverrides struct {
	TelegramToken string `env:"PEWCAST_TELEGRAM_TOKEN"`
	StorageDSN    string `env:"PEWCAST_STORAGE_DSN"`
	RedisURL      string `env:"PEWCAST_REDIS_URL"`
	LogLevel      string `env:"PEWCAST_LOG_LEVEL"`
}

// applyEnv overlays set variables on cfg. A nil environ reads the process
// environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var ov envOverrides
	if err := env.ParseWithOptions(&ov, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v := strings.TrimSpace(ov.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(ov.StorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(ov.RedisURL); v != "" {
		cfg.Lock.RedisURL = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
