package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "presencebot/pkg/logx"
)

const sampleYAML = `
twitch:
  login: presencebot
  client_id: abc
  verified: false
logging:
  level: info
  console: true
join:
  interval: 11s
pubsub:
  refresh_every: "@every 5m"
  max_topics_per_channel: 1
dispatch:
  max_retries: 3
  retry_delay: 1s
storage:
  driver: file
  path: ./data/state.json
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAMLStrict(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "presencebot", cfg.Twitch.Login)
	require.Equal(t, "11s", cfg.Join.Interval)
	require.Equal(t, 20, cfg.Join.WaveSize(cfg.Twitch.Verified))
	require.Equal(t, 2000, cfg.Join.WaveSize(true))

	_, err = Decode("c.yaml", []byte(sampleYAML+"\nunknown_key: 1\n"))
	require.Error(t, err)
}

func TestDecodeJSONRejectsTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"twitch":{"login":"x"}} {}`))
	require.Error(t, err)
}

func TestApplyEnvOverlaysSecrets(t *testing.T) {
	t.Setenv("PRESENCEBOT_OAUTH_TOKEN", "oauth:from-env")
	t.Setenv("PRESENCEBOT_CLIENT_SECRET", "shh")

	cfg := &Config{Twitch: TwitchConfig{Login: "bot", OAuthToken: "file-token"}}
	require.NoError(t, ApplyEnv(cfg, EnvOptions{}))
	require.Equal(t, "oauth:from-env", cfg.Twitch.OAuthToken)
	require.Equal(t, "shh", cfg.Twitch.ClientSecret)
	require.Equal(t, "bot", cfg.Twitch.Login)
}

func TestApplyEnvLoadsDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "PRESENCEBOT_DEBUG_TOKEN=dbg\n")
	t.Setenv("PRESENCEBOT_DEBUG_TOKEN", "")
	os.Unsetenv("PRESENCEBOT_DEBUG_TOKEN")

	cfg := &Config{}
	require.NoError(t, ApplyEnv(cfg, EnvOptions{DotEnv: p}))
	require.Equal(t, "dbg", cfg.Debug.Token)

	require.NoError(t, ApplyEnv(&Config{}, EnvOptions{DotEnv: filepath.Join(t.TempDir(), "missing.env")}))
}

func TestValidate(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	bad := *cfg
	bad.Join.UnverifiedWaveSize = 1
	bad.PubSub.RefreshEvery = "cron:nope nope"
	bad.Dispatch.RetryDelay = "soon"
	bad.Storage.Driver = "redis"
	err = Validate(&bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "join.unverified_wave_size")
	require.Contains(t, err.Error(), "dispatch.retry_delay")
	require.Contains(t, err.Error(), "storage.driver")
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Twitch: TwitchConfig{Login: "bot", OAuthToken: "oauth:first-secret"}}
	newCfg := &Config{Twitch: TwitchConfig{Login: "bot", OAuthToken: "oauth:second-secret"}, Join: JoinConfig{Interval: "5s"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"join", "twitch"}, changed)

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	require.Contains(t, buf.String(), `"twitch.oauth_token_set":true`)
	require.NotContains(t, buf.String(), "second-secret")
}

func TestManagerLoadAndWatch(t *testing.T) {
	p := writeFile(t, "presencebot.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	go func() { _ = m.Watch(ctx) }()

	updated := sampleYAML + "\nalerts:\n  chat_id: 42\n"
	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(updated), 0o600)
		select {
		case got := <-sub:
			return got.Alerts.ChatID == 42
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResolverAppliesDefaultsAndKeepsFirstError(t *testing.T) {
	var r Resolver
	require.Equal(t, 11*time.Second, r.Duration("join.interval", "", 11*time.Second))
	require.Equal(t, 2*time.Second, r.Duration("join.interval", " 2s ", 11*time.Second))
	require.Equal(t, 5, r.Int(0, 5))
	require.Equal(t, 7, r.Int(7, 5))
	require.InDelta(t, 0.5, r.Float(-1, 0.5), 1e-9)
	require.Equal(t, "def", r.String("  ", "def"))
	require.NoError(t, r.Err())

	r.Duration("pubsub.queue_timeout", "soon", time.Second)
	r.Duration("dispatch.retry_delay", "-1s", time.Second)
	require.ErrorContains(t, r.Err(), "pubsub.queue_timeout")

	_, err := ParseDurationField("dispatch.retry_delay", "-1s")
	require.ErrorContains(t, err, "negative duration")
}
