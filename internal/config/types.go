package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "2m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Transport TransportConfig `json:"transport"`
	Engine    EngineConfig    `json:"engine"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	Lock      LockConfig      `json:"lock"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	// Commands enables the /campaign operator commands.
	Commands bool `json:"commands"`
}

type TransportConfig struct {
	// Driver is "telegram" or "log". Empty selects telegram when a token is
	// set and log otherwise.
	Driver string `json:"driver"`
}

type EngineConfig struct {
	TickInterval       string `json:"tick_interval,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	Parallelism        int    `json:"parallelism,omitempty"`
	StoreTimeout       string `json:"store_timeout,omitempty"`
	StoreRetryMax      *int   `json:"store_retry_max,omitempty"`
	MaxResolveAttempts int    `json:"max_resolve_attempts,omitempty"`
}

// DispatchConfig controls the global send rate and per-recipient retries.
//
// Defaults (when fields are omitted/zero):
//   - max_messages_per_minute: 20
//   - default_delay_seconds: 1
//   - retry_max: 3 (pointer, so an explicit 0 disables retries)
//   - retry_base: 2s
//   - retry_max_delay: 1m
//   - send_timeout: 15s
type DispatchConfig struct {
	MaxMessagesPerMinute int     `json:"max_messages_per_minute,omitempty"`
	DefaultDelaySeconds  float64 `json:"default_delay_seconds,omitempty"`
	RetryMax             *int    `json:"retry_max,omitempty"`
	RetryBase            string  `json:"retry_base,omitempty"`
	RetryMaxDelay        string  `json:"retry_max_delay,omitempty"`
	SendTimeout          string  `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LockConfig struct {
	// RedisURL enables the cross-instance lease when set.
	RedisURL string `json:"redis_url,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}
