package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"presencebot/internal/config"
	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

// wsServer records text frames from the first client and lets the test reply.
type wsServer struct {
	url   string
	conns chan *websocket.Conn
	recv  chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4), recv: make(chan string, 64)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			s.recv <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *wsServer) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-s.recv:
			if strings.HasPrefix(m, prefix) {
				return m
			}
		case <-deadline:
			t.Fatalf("no %q line from client", prefix)
			return ""
		}
	}
}

// accept returns the next client connection.
func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

// welcome completes the chat handshake on c, which fires the ready callback.
func (s *wsServer) welcome(t *testing.T, c *websocket.Conn) {
	t.Helper()
	s.expect(t, "NICK presencebot")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(":tmi.twitch.tv 001 presencebot :Welcome")))
}

func joinedChannels(line string) []string {
	out := strings.Split(strings.TrimPrefix(line, "JOIN "), ",")
	sort.Strings(out)
	return out
}

// startApp seeds a file store, writes a config pointing at fake chat and
// event servers and starts the app. joinYAML is the body of the join section.
func startApp(t *testing.T, chans []storage.Channel, joinYAML string) (*App, *wsServer) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	st, err := storage.Open(storage.Config{Driver: "file", Path: statePath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	for _, ch := range chans {
		require.NoError(t, st.UpsertChannel(ctx, ch))
	}
	require.NoError(t, st.Close())

	chat := newWSServer(t)
	events := newWSServer(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
twitch:
  login: presencebot
  oauth_token: abc
  chat_url: %s
  events_url: %s
logging:
  level: error
join:
%s
storage:
  driver: file
  path: %s
`, chat.url, events.url, joinYAML, statePath)), 0o600))

	a, err := New(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})
	return a, chat
}

func TestAppJoinsEnabledChannelsOnReady(t *testing.T) {
	a, chat := startApp(t, []storage.Channel{
		{Login: "bravo", Enabled: true},
		{Login: "alpha", Enabled: true},
		{Login: "charlie", Enabled: false},
	}, "  interval: 1ms")

	chat.welcome(t, chat.accept(t))

	require.Equal(t, []string{"#alpha", "#bravo"}, joinedChannels(chat.expect(t, "JOIN ")))

	require.Eventually(t, func() bool { return !a.joiner.Running() }, 3*time.Second, 10*time.Millisecond)
	st := a.status().(Status)
	require.Equal(t, "presencebot", st.Login)
}

func TestAppRejoinsAfterReconnectDuringJoin(t *testing.T) {
	// One channel per wave, so the join outlives the first connection.
	a, chat := startApp(t, []storage.Channel{
		{Login: "alpha", Enabled: true},
		{Login: "bravo", Enabled: true},
		{Login: "charlie", Enabled: true},
	}, "  interval: 800ms\n  unverified_wave_size: 2")

	first := chat.accept(t)
	chat.welcome(t, first)
	require.Len(t, joinedChannels(chat.expect(t, "JOIN ")), 1)
	require.True(t, a.joiner.Running())

	// Drop the connection mid-join; the client redials and is ready again
	// while the first join is still sleeping between waves.
	require.NoError(t, first.Close())
	chat.welcome(t, chat.accept(t))

	joined := map[string]bool{}
	deadline := time.After(8 * time.Second)
	for len(joined) < 3 {
		select {
		case m := <-chat.recv:
			if strings.HasPrefix(m, "JOIN ") {
				for _, ch := range joinedChannels(m) {
					joined[ch] = true
				}
			}
		case <-deadline:
			t.Fatalf("channels joined on the new connection: %v", joined)
		}
	}
	require.Equal(t, map[string]bool{"#alpha": true, "#bravo": true, "#charlie": true}, joined)
}

func TestNewFailsOnMissingConfig(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Nil(t, a)
}

func TestMappersApplyDefaults(t *testing.T) {
	cfg := &config.Config{Twitch: config.TwitchConfig{Login: "bot", Verified: true}}

	dc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, config.DefaultMaxMessageLen, dc.MaxMessageLen)
	require.Equal(t, config.DefaultMaxRetries, dc.MaxRetries)
	require.Equal(t, config.DefaultDrainInterval, dc.DrainInterval)

	jc, err := mapJoinConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, config.DefaultVerifiedWaveSize, jc.WaveSize)
	require.Equal(t, config.DefaultJoinInterval, jc.Interval)

	pc, err := mapPubSubConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, config.DefaultRefreshEvery, pc.RefreshEvery)
	require.Equal(t, config.DefaultReconnectCooldown, pc.ReconnectCooldown)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "file", Path: config.DefaultStoragePath}, sc)

	cfg.Storage = config.StorageConfig{Driver: "sqlite"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}
