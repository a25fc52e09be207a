package twitch

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	rtsup "presencebot/internal/runtime/supervisor"
	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

// maxTopicsPerListen is the server's cap on topics in one LISTEN frame.
const maxTopicsPerListen = 50

type EventsConfig struct {
	URL         string
	PingEvery   time.Duration
	PongTimeout time.Duration
	RetryMin    time.Duration
}

type frame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type listenData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

type messageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Events is the PubSub client. It remembers every subscribed topic so a
// redial can hand the full list to the reconnect handler.
type Events struct {
	log   logx.Logger
	cfg   EventsConfig
	clock clockwork.Clock

	mu        sync.Mutex
	cur       *conn
	topics    map[string]transport.Topic
	reconnect transport.ReconnectHandler
	onMessage func(topic, payload string)
	connected bool // at least one session established
	sup       *rtsup.Supervisor
}

var _ transport.Events = (*Events)(nil)

type EventsOption func(*Events)

func WithEventsClock(c clockwork.Clock) EventsOption { return func(e *Events) { e.clock = c } }

func NewEvents(cfg EventsConfig, log logx.Logger, opts ...EventsOption) *Events {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = 4 * time.Minute
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Second
	}
	e := &Events{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "transport.events")),
		clock:  clockwork.NewRealClock(),
		topics: map[string]transport.Topic{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetReconnectHandler must be called before Start.
func (e *Events) SetReconnectHandler(h transport.ReconnectHandler) {
	e.mu.Lock()
	e.reconnect = h
	e.mu.Unlock()
}

// OnMessage registers a callback for topic payloads.
func (e *Events) OnMessage(fn func(topic, payload string)) {
	e.mu.Lock()
	e.onMessage = fn
	e.mu.Unlock()
}

func (e *Events) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log), rtsup.WithCancelOnError(false))
	e.sup.GoRestart("twitch.events", e.runOnce,
		rtsup.WithRestartBackoff(e.cfg.RetryMin, 2*time.Minute),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (e *Events) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Topics returns the remembered topic set sorted by key.
func (e *Events) Topics() []transport.Topic {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked()
}

func (e *Events) sortedLocked() []transport.Topic {
	out := lo.Values(e.topics)
	slices.SortFunc(out, func(a, b transport.Topic) int { return cmp.Compare(a.Key(), b.Key()) })
	return out
}

func (e *Events) runOnce(ctx context.Context) error {
	cn, err := dial(ctx, e.cfg.URL)
	if err != nil {
		return fmt.Errorf("events dial: %w", err)
	}
	stop := cn.closeOnDone(ctx)
	defer stop()
	defer cn.close()

	e.mu.Lock()
	reconnected := e.connected
	e.connected = true
	current := e.sortedLocked()
	h := e.reconnect
	e.mu.Unlock()

	if reconnected && h != nil {
		current = h.OnReconnect(ctx, current)
		e.mu.Lock()
		e.topics = lo.SliceToMap(current, func(t transport.Topic) (string, transport.Topic) { return t.Key(), t })
		e.mu.Unlock()
		e.log.Info("events reconnected", logx.Int("topics", len(current)))
	}
	if err := e.send(cn, "LISTEN", current); err != nil {
		return fmt.Errorf("events resubscribe: %w", err)
	}

	e.mu.Lock()
	e.cur = cn
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.cur == cn {
			e.cur = nil
		}
		e.mu.Unlock()
	}()

	pong := make(chan struct{}, 1)
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go e.pinger(pingCtx, cn, pong)

	for {
		var f frame
		if err := cn.ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("events read: %w", err)
		}
		switch f.Type {
		case "PONG":
			select {
			case pong <- struct{}{}:
			default:
			}
		case "RECONNECT":
			return errors.New("events: server requested reconnect")
		case "RESPONSE":
			if f.Error != "" {
				e.log.Warn("events listen rejected", logx.String("nonce", f.Nonce), logx.String("error", f.Error))
			}
		case "MESSAGE":
			var m messageData
			if err := json.Unmarshal(f.Data, &m); err != nil {
				e.log.Debug("events bad message", logx.Err(err))
				continue
			}
			e.mu.Lock()
			fn := e.onMessage
			e.mu.Unlock()
			if fn != nil {
				fn(m.Topic, m.Message)
			}
		}
	}
}

// pinger closes cn when a PONG does not arrive in time, which fails the read
// loop and triggers a redial.
func (e *Events) pinger(ctx context.Context, cn *conn, pong <-chan struct{}) {
	t := e.clock.NewTicker(e.cfg.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
		}
		if err := cn.writeJSON(frame{Type: "PING"}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-pong:
		case <-e.clock.After(e.cfg.PongTimeout):
			e.log.Warn("events pong timeout; reconnecting")
			cn.close()
			return
		}
	}
}

// send writes LISTEN/UNLISTEN frames grouped by auth token.
func (e *Events) send(cn *conn, typ string, topics []transport.Topic) error {
	byToken := lo.GroupBy(topics, func(t transport.Topic) string { return t.AuthToken })
	tokens := lo.Keys(byToken)
	slices.Sort(tokens)
	for _, tok := range tokens {
		names := lo.Map(byToken[tok], func(t transport.Topic, _ int) string { return t.Name })
		for _, chunk := range lo.Chunk(names, maxTopicsPerListen) {
			data, err := json.Marshal(listenData{Topics: chunk, AuthToken: tok})
			if err != nil {
				return err
			}
			if err := cn.writeJSON(frame{Type: typ, Nonce: uuid.NewString(), Data: data}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SubscribeTopics remembers topics and LISTENs when connected. While
// disconnected the topics go out on the next session.
func (e *Events) SubscribeTopics(ctx context.Context, topics []transport.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	for _, t := range topics {
		e.topics[t.Key()] = t
	}
	cn := e.cur
	e.mu.Unlock()
	if cn == nil {
		return nil
	}
	return e.send(cn, "LISTEN", topics)
}

func (e *Events) UnsubscribeTopics(ctx context.Context, topics []transport.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	for _, t := range topics {
		delete(e.topics, t.Key())
	}
	cn := e.cur
	e.mu.Unlock()
	if cn == nil {
		return nil
	}
	return e.send(cn, "UNLISTEN", topics)
}
