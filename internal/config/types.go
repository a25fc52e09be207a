package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "11s", "30m").
// Secrets are never read from the file when the matching environment
// variable is set (see ApplyEnv).
type Config struct {
	Twitch   TwitchConfig   `json:"twitch"`
	Logging  LoggingConfig  `json:"logging"`
	Join     JoinConfig     `json:"join"`
	PubSub   PubSubConfig   `json:"pubsub"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Debug    DebugConfig    `json:"debug,omitempty"`
	Alerts   AlertsConfig   `json:"alerts,omitempty"`
}

type TwitchConfig struct {
	Login        string `json:"login"`
	OAuthToken   string `json:"oauth_token,omitempty" env:"OAUTH_TOKEN"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" env:"CLIENT_SECRET"`
	// Verified selects the verified-bot join tier.
	Verified  bool   `json:"verified"`
	ChatURL   string `json:"chat_url,omitempty"`   // default: wss://irc-ws.chat.twitch.tv:443
	EventsURL string `json:"events_url,omitempty"` // default: wss://pubsub-edge.twitch.tv
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// Alerts forwards WARN+ log lines to the operator chat (see AlertsConfig).
	Alerts LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JoinConfig controls the channel join scheduler.
//
// Defaults:
//   - verified_wave_size: 2000
//   - unverified_wave_size: 20
//   - interval: "11s"
type JoinConfig struct {
	VerifiedWaveSize   int    `json:"verified_wave_size,omitempty"`
	UnverifiedWaveSize int    `json:"unverified_wave_size,omitempty"`
	Interval           string `json:"interval,omitempty"`
}

// PubSubConfig controls the subscription pool manager.
//
// Defaults:
//   - refresh_every: "@every 5m"
//   - max_topics_per_channel: 1
//   - queue_timeout: "3s"
//   - expiring_window: "1h"
//   - reconnect_cooldown: "30m"
//   - reconnect_timeout: "1m"
type PubSubConfig struct {
	RefreshEvery        string `json:"refresh_every,omitempty"`
	MaxTopicsPerChannel int    `json:"max_topics_per_channel,omitempty"`
	QueueTimeout        string `json:"queue_timeout,omitempty"`
	ExpiringWindow      string `json:"expiring_window,omitempty"`
	ReconnectCooldown   string `json:"reconnect_cooldown,omitempty"`
	ReconnectTimeout    string `json:"reconnect_timeout,omitempty"`
}

// DispatchConfig controls the outbound dispatch queue.
//
// Defaults:
//   - max_message_len: 500 (runes)
//   - max_chunks: 3
//   - max_retries: 3
//   - retry_delay: "1s"
//   - drain_interval: "500ms"
//   - queue_size: 1024
//   - queue_timeout: "3s"
//   - rate_per_sec: 0.66 (20 messages / 30s), burst: 20
type DispatchConfig struct {
	MaxMessageLen int     `json:"max_message_len,omitempty"`
	MaxChunks     int     `json:"max_chunks,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	RetryDelay    string  `json:"retry_delay,omitempty"`
	DrainInterval string  `json:"drain_interval,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	QueueTimeout  string  `json:"queue_timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

// StorageConfig controls the persistence layer backing the channel registry and credentials.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/presencebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional debug HTTP server (pprof + /metrics).
//
// Prefer binding to localhost. A non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty" env:"DEBUG_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// AlertsConfig is the operator chat that receives log alerts (Telegram).
type AlertsConfig struct {
	TelegramToken string `json:"telegram_token,omitempty" env:"TELEGRAM_TOKEN"`
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
}
