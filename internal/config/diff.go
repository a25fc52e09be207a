package config

import (
	"sort"
	"strings"

	logx "presencebot/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs safe for logging. Secrets are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	o, n := oldCfg.Twitch, newCfg.Twitch
	if o.Login != n.Login || o.ClientID != n.ClientID || o.Verified != n.Verified ||
		o.ChatURL != n.ChatURL || o.EventsURL != n.EventsURL ||
		o.OAuthToken != n.OAuthToken || o.ClientSecret != n.ClientSecret {
		changed = append(changed, "twitch")
		attrs = append(attrs,
			logx.String("twitch.login", n.Login),
			logx.Bool("twitch.verified", n.Verified),
			logx.Bool("twitch.oauth_token_set", set(n.OAuthToken)),
			logx.Bool("twitch.client_secret_set", set(n.ClientSecret)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Join != newCfg.Join {
		changed = append(changed, "join")
		attrs = append(attrs,
			logx.Int("join.wave_size", newCfg.Join.WaveSize(newCfg.Twitch.Verified)),
			logx.String("join.interval", newCfg.Join.Interval),
		)
	}

	if oldCfg.PubSub != newCfg.PubSub {
		changed = append(changed, "pubsub")
		attrs = append(attrs,
			logx.String("pubsub.refresh_every", newCfg.PubSub.RefreshEvery),
			logx.Int("pubsub.max_topics_per_channel", newCfg.PubSub.MaxTopicsPerChannel),
			logx.String("pubsub.reconnect_cooldown", newCfg.PubSub.ReconnectCooldown),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_retries", newCfg.Dispatch.MaxRetries),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.drain_interval", newCfg.Dispatch.DrainInterval),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_set", set(nd.Token)),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram_token_set", set(newCfg.Alerts.TelegramToken)),
			logx.Int64("alerts.chat_id", newCfg.Alerts.ChatID),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
