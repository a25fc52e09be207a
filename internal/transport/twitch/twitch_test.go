package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

type serverConn struct {
	ws   *websocket.Conn
	recv chan string
}

func (c *serverConn) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-c.recv:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return ""
	}
}

func (c *serverConn) send(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// newServer accepts websocket connections and hands each one to the test.
func newServer(t *testing.T) (url string, conns <-chan *serverConn) {
	t.Helper()
	ch := make(chan *serverConn, 4)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, recv: make(chan string, 64)}
		ch <- sc
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(sc.recv)
				return
			}
			sc.recv <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), ch
}

func accept(t *testing.T, conns <-chan *serverConn) *serverConn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func TestChatHandshakeReadyAndCommands(t *testing.T) {
	url, conns := newServer(t)
	chat := NewChat(ChatConfig{URL: url, Login: "PresenceBot", Token: "abc"}, logx.Nop())
	ready := make(chan struct{}, 1)
	chat.SetReadyHandler(transport.ReadyFunc(func(context.Context) { ready <- struct{}{} }))

	require.ErrorIs(t, chat.SendText(context.Background(), "alpha", "early"), ErrNotConnected)

	chat.Start(context.Background())
	t.Cleanup(func() { _ = chat.Stop(context.Background()) })

	sc := accept(t, conns)
	require.Equal(t, "CAP REQ :twitch.tv/tags twitch.tv/commands", sc.next(t))
	require.Equal(t, "PASS oauth:abc", sc.next(t))
	require.Equal(t, "NICK presencebot", sc.next(t))

	sc.send(t, ":tmi.twitch.tv 001 presencebot :Welcome, GLHF!\r\n")
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler not called")
	}

	sc.send(t, "PING :tmi.twitch.tv")
	require.Equal(t, "PONG :tmi.twitch.tv", sc.next(t))

	require.NoError(t, chat.JoinChannels(context.Background(), []string{"Alpha", "#bravo"}))
	require.Equal(t, "JOIN #alpha,#bravo", sc.next(t))

	require.NoError(t, chat.SendText(context.Background(), "#alpha", "hi\nthere"))
	require.Equal(t, "PRIVMSG #alpha :hi there", sc.next(t))
}

type reconnectFunc func(ctx context.Context, current []transport.Topic) []transport.Topic

func (f reconnectFunc) OnReconnect(ctx context.Context, current []transport.Topic) []transport.Topic {
	return f(ctx, current)
}

func readFrame(t *testing.T, sc *serverConn) (frame, listenData) {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal([]byte(sc.next(t)), &f))
	var d listenData
	if len(f.Data) > 0 {
		require.NoError(t, json.Unmarshal(f.Data, &d))
	}
	return f, d
}

func TestEventsResubscribeThroughReconnectHandler(t *testing.T) {
	url, conns := newServer(t)
	ev := NewEvents(EventsConfig{URL: url, RetryMin: 10 * time.Millisecond}, logx.Nop())

	old := transport.Topic{Channel: "alpha", Name: "channel-points-channel-v1.1", AuthToken: "t1"}
	fresh := transport.Topic{Channel: "alpha", Name: "channel-points-channel-v1.1", AuthToken: "t2"}

	seen := make(chan []transport.Topic, 1)
	ev.SetReconnectHandler(reconnectFunc(func(_ context.Context, current []transport.Topic) []transport.Topic {
		seen <- current
		return []transport.Topic{fresh}
	}))
	require.NoError(t, ev.SubscribeTopics(context.Background(), []transport.Topic{old}))

	ev.Start(context.Background())
	t.Cleanup(func() { _ = ev.Stop(context.Background()) })

	first := accept(t, conns)
	f, d := readFrame(t, first)
	require.Equal(t, "LISTEN", f.Type)
	require.NotEmpty(t, f.Nonce)
	require.Equal(t, listenData{Topics: []string{old.Name}, AuthToken: "t1"}, d)

	first.send(t, `{"type":"RECONNECT"}`)

	second := accept(t, conns)
	f, d = readFrame(t, second)
	require.Equal(t, "LISTEN", f.Type)
	require.Equal(t, "t2", d.AuthToken)
	require.Equal(t, []transport.Topic{old}, <-seen)
	require.Equal(t, []transport.Topic{fresh}, ev.Topics())
}

func TestEventsUnlistenWhileConnected(t *testing.T) {
	url, conns := newServer(t)
	ev := NewEvents(EventsConfig{URL: url}, logx.Nop())
	ev.Start(context.Background())
	t.Cleanup(func() { _ = ev.Stop(context.Background()) })
	sc := accept(t, conns)

	topic := transport.Topic{Channel: "bravo", Name: "x", AuthToken: "tok"}
	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.cur != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ev.SubscribeTopics(context.Background(), []transport.Topic{topic}))
	f, _ := readFrame(t, sc)
	require.Equal(t, "LISTEN", f.Type)

	require.NoError(t, ev.UnsubscribeTopics(context.Background(), []transport.Topic{topic}))
	f, d := readFrame(t, sc)
	require.Equal(t, "UNLISTEN", f.Type)
	require.Equal(t, []string{"x"}, d.Topics)
	require.Empty(t, ev.Topics())
}

func TestParseIRC(t *testing.T) {
	m, ok := parseIRC("@badge-info=;color=#FF0000 :nick!nick@nick.tmi.twitch.tv PRIVMSG #alpha :hello world\r\n")
	require.True(t, ok)
	require.Equal(t, "PRIVMSG", m.Command)
	require.Equal(t, []string{"#alpha", "hello world"}, m.Params)
	require.Equal(t, "nick!nick@nick.tmi.twitch.tv", m.Prefix)

	m, ok = parseIRC("PING :tmi.twitch.tv")
	require.True(t, ok)
	require.Equal(t, "tmi.twitch.tv", m.Trailing())

	_, ok = parseIRC("")
	require.False(t, ok)
}

func TestJoinLinesRespectsLimit(t *testing.T) {
	handles := make([]string, 0, 200)
	for range 200 {
		handles = append(handles, "channel_name_x")
	}
	lines := joinLines(handles, maxIRCLine)
	require.Greater(t, len(lines), 1)
	total := 0
	for _, l := range lines {
		require.LessOrEqual(t, len(l), maxIRCLine+len("JOIN "))
		total += strings.Count(l, "#")
	}
	require.Equal(t, 200, total)
}
