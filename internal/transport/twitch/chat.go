package twitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rtsup "presencebot/internal/runtime/supervisor"
	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

const maxIRCLine = 500

type ChatConfig struct {
	URL   string
	Login string
	// Token is the OAuth token, with or without the "oauth:" prefix.
	Token string
	// RetryMin is the first redial backoff; it doubles up to two minutes.
	RetryMin time.Duration
}

// Chat is the IRC-over-websocket chat client.
type Chat struct {
	log logx.Logger
	cfg ChatConfig

	mu    sync.Mutex
	cur   *conn
	ready transport.ReadyHandler
	sup   *rtsup.Supervisor
}

var _ transport.Chat = (*Chat)(nil)

func NewChat(cfg ChatConfig, log logx.Logger) *Chat {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Second
	}
	return &Chat{cfg: cfg, log: log.With(logx.String("comp", "transport.chat"))}
}

// SetReadyHandler must be called before Start.
func (c *Chat) SetReadyHandler(h transport.ReadyHandler) {
	c.mu.Lock()
	c.ready = h
	c.mu.Unlock()
}

func (c *Chat) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	c.sup.GoRestart("twitch.chat", c.runOnce,
		rtsup.WithRestartBackoff(c.cfg.RetryMin, 2*time.Minute),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (c *Chat) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (c *Chat) runOnce(ctx context.Context) error {
	cn, err := dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("chat dial: %w", err)
	}
	stop := cn.closeOnDone(ctx)
	defer stop()
	defer cn.close()

	token := c.cfg.Token
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + token,
		"NICK " + strings.ToLower(c.cfg.Login),
	} {
		if err := cn.write([]byte(line)); err != nil {
			return fmt.Errorf("chat handshake: %w", err)
		}
	}

	c.mu.Lock()
	c.cur = cn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.cur == cn {
			c.cur = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, frame, err := cn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("chat read: %w", err)
		}
		for _, line := range splitLines(frame) {
			msg, ok := parseIRC(line)
			if !ok {
				continue
			}
			if err := c.handle(ctx, cn, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Chat) handle(ctx context.Context, cn *conn, msg ircMessage) error {
	switch msg.Command {
	case "PING":
		return cn.write([]byte("PONG :" + msg.Trailing()))
	case "001":
		c.log.Info("chat connected", logx.String("login", c.cfg.Login))
		c.mu.Lock()
		h := c.ready
		c.mu.Unlock()
		if h != nil {
			go h.OnReady(ctx)
		}
	case "RECONNECT":
		return errors.New("chat: server requested reconnect")
	case "NOTICE":
		if strings.Contains(msg.Trailing(), "Login authentication failed") {
			return errors.New("chat: login authentication failed")
		}
		c.log.Debug("chat notice", logx.String("text", msg.Trailing()))
	}
	return nil
}

func (c *Chat) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, ErrNotConnected
	}
	return c.cur, nil
}

// JoinChannels sends JOIN for every handle, packed into as few lines as fit.
func (c *Chat) JoinChannels(ctx context.Context, handles []string) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	for _, line := range joinLines(handles, maxIRCLine) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cn.write([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chat) SendText(ctx context.Context, destination, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cn, err := c.current()
	if err != nil {
		return err
	}
	dest := "#" + strings.TrimPrefix(strings.ToLower(destination), "#")
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return cn.write([]byte("PRIVMSG " + dest + " :" + text))
}
