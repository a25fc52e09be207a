package app

import (
	"presencebot/internal/config"
	"presencebot/internal/dispatch"
	"presencebot/internal/join"
	"presencebot/internal/observability/debug"
	"presencebot/internal/pubsub"
	"presencebot/internal/transport/twitch"
	logx "presencebot/pkg/logx"
)

// Config sections are validated before commit (config.Validate), so the
// mappers below only fail on a config that bypassed the manager.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapJoinConfig(cfg *config.Config) (join.Config, error) {
	var r config.Resolver
	jc := join.Config{
		WaveSize: cfg.Join.WaveSize(cfg.Twitch.Verified),
		Interval: r.Duration("join.interval", cfg.Join.Interval, config.DefaultJoinInterval),
	}
	return jc, r.Err()
}

func mapPubSubConfig(cfg *config.Config) (pubsub.Config, error) {
	p := cfg.PubSub
	var r config.Resolver
	pc := pubsub.Config{
		RefreshEvery:        r.String(p.RefreshEvery, config.DefaultRefreshEvery),
		MaxTopicsPerChannel: r.Int(p.MaxTopicsPerChannel, config.DefaultMaxTopicsPerChannel),
		QueueTimeout:        r.Duration("pubsub.queue_timeout", p.QueueTimeout, config.DefaultPubSubQueueTimeout),
		ReconnectCooldown:   r.Duration("pubsub.reconnect_cooldown", p.ReconnectCooldown, config.DefaultReconnectCooldown),
		ReconnectTimeout:    r.Duration("pubsub.reconnect_timeout", p.ReconnectTimeout, config.DefaultReconnectTimeout),
	}
	return pc, r.Err()
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	var r config.Resolver
	dc := dispatch.Config{
		MaxMessageLen: r.Int(d.MaxMessageLen, config.DefaultMaxMessageLen),
		MaxChunks:     r.Int(d.MaxChunks, config.DefaultMaxChunks),
		MaxRetries:    r.Int(d.MaxRetries, config.DefaultMaxRetries),
		RetryDelay:    r.Duration("dispatch.retry_delay", d.RetryDelay, config.DefaultRetryDelay),
		DrainInterval: r.Duration("dispatch.drain_interval", d.DrainInterval, config.DefaultDrainInterval),
		QueueSize:     r.Int(d.QueueSize, config.DefaultDispatchQueue),
		QueueTimeout:  r.Duration("dispatch.queue_timeout", d.QueueTimeout, config.DefaultDispatchTimeout),
		RatePerSec:    r.Float(d.RatePerSec, config.DefaultDispatchRate),
		Burst:         r.Int(d.Burst, config.DefaultDispatchBurst),
	}
	return dc, r.Err()
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	var r config.Resolver
	dc := debug.Config{
		Enabled:       d.Enabled,
		Addr:          r.String(d.Addr, config.DefaultDebugAddr),
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   r.Duration("debug.read_timeout", d.ReadTimeout, 0),
		IdleTimeout:   r.Duration("debug.idle_timeout", d.IdleTimeout, 0),
	}
	return dc, r.Err()
}

func mapChatConfig(cfg *config.Config) twitch.ChatConfig {
	var r config.Resolver
	return twitch.ChatConfig{
		URL:   r.String(cfg.Twitch.ChatURL, config.DefaultChatURL),
		Login: cfg.Twitch.Login,
		Token: cfg.Twitch.OAuthToken,
	}
}

func mapEventsConfig(cfg *config.Config) twitch.EventsConfig {
	var r config.Resolver
	return twitch.EventsConfig{URL: r.String(cfg.Twitch.EventsURL, config.DefaultEventsURL)}
}
