package config

import (
	"errors"
	"fmt"
	"strings"

	"presencebot/internal/task/scheduler"
)

// Validate checks cross-field constraints that the strict decoder cannot.
// Empty values are accepted and resolved to defaults by the consumers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Twitch.Login) == "" {
		add(errors.New("twitch.login: required"))
	}
	if v := cfg.Join.VerifiedWaveSize; v != 0 && v < 2 {
		add(fmt.Errorf("join.verified_wave_size: must be >= 2, got %d", v))
	}
	if v := cfg.Join.UnverifiedWaveSize; v != 0 && v < 2 {
		add(fmt.Errorf("join.unverified_wave_size: must be >= 2, got %d", v))
	}
	_, err := ParseDurationField("join.interval", cfg.Join.Interval)
	add(err)

	if s := strings.TrimSpace(cfg.PubSub.RefreshEvery); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			add(fmt.Errorf("pubsub.refresh_every: %w", err))
		}
	}
	if cfg.PubSub.MaxTopicsPerChannel < 0 {
		add(errors.New("pubsub.max_topics_per_channel: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"pubsub.queue_timeout":      cfg.PubSub.QueueTimeout,
		"pubsub.expiring_window":    cfg.PubSub.ExpiringWindow,
		"pubsub.reconnect_cooldown": cfg.PubSub.ReconnectCooldown,
		"pubsub.reconnect_timeout":  cfg.PubSub.ReconnectTimeout,
		"dispatch.retry_delay":      cfg.Dispatch.RetryDelay,
		"dispatch.drain_interval":   cfg.Dispatch.DrainInterval,
		"dispatch.queue_timeout":    cfg.Dispatch.QueueTimeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"debug.read_timeout":        cfg.Debug.ReadTimeout,
		"debug.idle_timeout":        cfg.Debug.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Dispatch.MaxMessageLen < 0 || cfg.Dispatch.MaxChunks < 0 || cfg.Dispatch.MaxRetries < 0 {
		add(errors.New("dispatch: max_message_len, max_chunks and max_retries must be >= 0"))
	}
	if cfg.Dispatch.RatePerSec < 0 || cfg.Dispatch.Burst < 0 {
		add(errors.New("dispatch: rate_per_sec and burst must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q (want file or sqlite)", cfg.Storage.Driver))
	}

	if cfg.Logging.Alerts.Enabled && (strings.TrimSpace(cfg.Alerts.TelegramToken) == "" || cfg.Alerts.ChatID == 0) {
		add(errors.New("logging.alerts: requires alerts.telegram_token and alerts.chat_id"))
	}
	return errors.Join(errs...)
}
