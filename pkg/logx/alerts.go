package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers a formatted log line to an operator channel.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize = 256
	alertMaxLen    = 3500
	alertTimeout   = 10 * time.Second
)

// alertSink is a zerolog.LevelWriter that forwards high-severity lines to an AlertSender.
// Writes never block logging: lines are dropped when the limiter or queue refuses them.
type alertSink struct {
	sender AlertSender

	mu       sync.Mutex
	enabled  bool
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{sender: sender, queue: make(chan string, alertQueueSize)}
}

// apply updates knobs and reports whether the sink should be attached.
func (a *alertSink) apply(cfg AlertConfig) bool {
	if a == nil || a.sender == nil || !cfg.Enabled {
		if a != nil {
			a.mu.Lock()
			a.enabled = false
			a.mu.Unlock()
		}
		return false
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	a.mu.Lock()
	a.enabled = true
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()

	a.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker(ctx)
		}()
	})
	return true
}

func (a *alertSink) stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			cctx, cancel := context.WithTimeout(ctx, alertTimeout)
			_ = a.sender.SendAlert(cctx, msg)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	enabled := a.enabled
	lim := a.limiter
	min := a.minLevel
	a.mu.Unlock()

	if !enabled || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case a.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message" followed by sorted key=value lines.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "time" || k == "level" || k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
