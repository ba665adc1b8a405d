package app

import (
	"fmt"
	"strings"
	"time"

	"pewcast/internal/config"
	"pewcast/internal/dispatch"
	"pewcast/internal/retry"
	"pewcast/internal/scheduler"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    strings.TrimSpace(cfg.Logging.File.Path),
		},
	}
}

func mapEngineConfig(cfg *config.Config) (scheduler.Config, error) {
	ec := cfg.Engine
	tick, err := config.ParseDurationAtLeast("engine.tick_interval", ec.TickInterval, 30*time.Second, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}
	if ec.Parallelism < 0 {
		return scheduler.Config{}, fmt.Errorf("engine.parallelism must be >= 0")
	}
	if ec.MaxResolveAttempts < 0 {
		return scheduler.Config{}, fmt.Errorf("engine.max_resolve_attempts must be >= 0")
	}
	storeTimeout, err := config.ParseDurationOrDefault("engine.store_timeout", ec.StoreTimeout, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	storeRetry := 2
	if ec.StoreRetryMax != nil {
		if *ec.StoreRetryMax < 0 {
			return scheduler.Config{}, fmt.Errorf("engine.store_retry_max must be >= 0")
		}
		storeRetry = *ec.StoreRetryMax
	}
	return scheduler.Config{
		TickInterval:       tick,
		Timezone:           strings.TrimSpace(ec.Timezone),
		Parallelism:        ec.Parallelism,
		StoreTimeout:       storeTimeout,
		StoreRetryMax:      storeRetry,
		MaxResolveAttempts: ec.MaxResolveAttempts,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, dispatch.Limits, error) {
	dc := cfg.Dispatch
	if dc.MaxMessagesPerMinute < 0 {
		return dispatch.Config{}, dispatch.Limits{}, fmt.Errorf("dispatch.max_messages_per_minute must be >= 0")
	}
	if dc.DefaultDelaySeconds < 0 {
		return dispatch.Config{}, dispatch.Limits{}, fmt.Errorf("dispatch.default_delay_seconds must be >= 0")
	}
	perMinute := dc.MaxMessagesPerMinute
	if perMinute == 0 {
		perMinute = 20
	}
	delay := time.Second
	if dc.DefaultDelaySeconds > 0 {
		delay = time.Duration(dc.DefaultDelaySeconds * float64(time.Second))
	}

	retryMax := 3
	if dc.RetryMax != nil {
		if *dc.RetryMax < 0 {
			return dispatch.Config{}, dispatch.Limits{}, fmt.Errorf("dispatch.retry_max must be >= 0")
		}
		retryMax = *dc.RetryMax
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, 2*time.Second)
	if err != nil {
		return dispatch.Config{}, dispatch.Limits{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, time.Minute)
	if err != nil {
		return dispatch.Config{}, dispatch.Limits{}, err
	}
	if maxDelay < base {
		return dispatch.Config{}, dispatch.Limits{}, fmt.Errorf("dispatch.retry_max_delay must be >= dispatch.retry_base")
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, dispatch.Limits{}, err
	}

	return dispatch.Config{
			Retry:       retry.Policy{MaxRetries: retryMax, Base: base, MaxDelay: maxDelay},
			SendTimeout: sendTimeout,
		}, dispatch.Limits{
			Max:      perMinute,
			Window:   time.Minute,
			MinDelay: delay,
		}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLockTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationAtLeast("lock.ttl", cfg.Lock.TTL, 2*time.Minute, time.Second)
}

// transportDriver resolves the configured driver; empty picks telegram when
// a token is present.
func transportDriver(cfg *config.Config) (string, error) {
	d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch d {
	case "":
		if strings.TrimSpace(cfg.Telegram.Token) != "" {
			return "telegram", nil
		}
		return "log", nil
	case "log", "telegram":
		return d, nil
	default:
		return "", fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}

// validateConfig checks every section the app maps. It runs on load and
// before a reload is committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	driver, err := transportDriver(cfg)
	if err != nil {
		return err
	}
	if (driver == "telegram" || cfg.Telegram.Commands) && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required for the telegram transport and operator commands")
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLockTTL(cfg); err != nil {
		return err
	}
	return nil
}
