package config

import "time"

const (
	DefaultChatURL   = "wss://irc-ws.chat.twitch.tv:443"
	DefaultEventsURL = "wss://pubsub-edge.twitch.tv"

	DefaultVerifiedWaveSize   = 2000
	DefaultUnverifiedWaveSize = 20
	DefaultJoinInterval       = 11 * time.Second

	DefaultRefreshEvery        = "@every 5m"
	DefaultMaxTopicsPerChannel = 1
	DefaultPubSubQueueTimeout  = 3 * time.Second
	DefaultExpiringWindow      = time.Hour
	DefaultReconnectCooldown   = 30 * time.Minute
	DefaultReconnectTimeout    = time.Minute

	DefaultMaxMessageLen   = 500
	DefaultMaxChunks       = 3
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second
	DefaultDrainInterval   = 500 * time.Millisecond
	DefaultDispatchQueue   = 1024
	DefaultDispatchTimeout = 3 * time.Second
	DefaultDispatchRate    = 20.0 / 30.0
	DefaultDispatchBurst   = 20

	DefaultStorageDriver = "file"
	DefaultStoragePath   = "./data/presencebot.json"

	DefaultDebugAddr = "127.0.0.1:6060"
)

// WaveSize picks the join wave size for the account tier.
func (c JoinConfig) WaveSize(verified bool) int {
	if verified {
		return intOr(c.VerifiedWaveSize, DefaultVerifiedWaveSize)
	}
	return intOr(c.UnverifiedWaveSize, DefaultUnverifiedWaveSize)
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
