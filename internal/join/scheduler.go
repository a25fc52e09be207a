// Package join joins every enabled channel to the chat transport in waves
// sized below the account tier's join ceiling.
package join

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"presencebot/internal/eventbus"
	"presencebot/internal/registry"
	logx "presencebot/pkg/logx"
)

type EventKind int

const (
	EventWave EventKind = iota + 1
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventWave:
		return "wave"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to the Listener. For EventWave, Channels is the wave
// (random order). For EventFinished, Channels is every joined handle sorted
// case-insensitively.
type Event struct {
	Kind     EventKind
	Wave     int
	Channels []string
}

type Listener interface {
	OnJoinEvent(ctx context.Context, ev Event)
}

type ListenerFunc func(ctx context.Context, ev Event)

func (f ListenerFunc) OnJoinEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Registry is the channel source.
type Registry interface {
	ListChannels(ctx context.Context) ([]registry.Channel, error)
}

// Config is resolved by the app from config.JoinConfig.
type Config struct {
	// WaveSize is the tier ceiling; waves carry at most WaveSize-1 handles.
	WaveSize int
	// Interval is the pause after each wave.
	Interval time.Duration
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithRand sets the source used to pick wave members.
func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rng = r } }

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithIdleFunc sets fn to run each time a join returns and Running reports
// false again. fn may call JoinChannels.
func WithIdleFunc(fn func(context.Context)) Option { return func(s *Scheduler) { s.onIdle = fn } }

type Scheduler struct {
	registry Registry
	log      logx.Logger
	clock    clockwork.Clock
	rng      *rand.Rand
	bus      eventbus.Bus
	onIdle   func(context.Context)

	mu       sync.RWMutex
	cfg      Config
	listener Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config, reg Registry, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		registry: reg,
		log:      log.With(logx.String("comp", "join")),
		clock:    clockwork.NewRealClock(),
		bus:      eventbus.Nop(),
		cfg:      cfg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Apply swaps the wave settings. A join already running keeps its settings.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Running reports whether a join is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Wait blocks until the running join (if any) returns.
func (s *Scheduler) Wait() { s.wg.Wait() }

// JoinChannels starts joining every enabled channel in the background and
// reports whether it did. A call while a join is running is a no-op that
// returns false. Calling it before SetListener panics.
func (s *Scheduler) JoinChannels(ctx context.Context) bool {
	s.mu.RLock()
	l, cfg := s.listener, s.cfg
	s.mu.RUnlock()
	if l == nil {
		panic("join: JoinChannels called before SetListener")
	}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("join already in progress; ignoring trigger")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		func() {
			defer s.running.Store(false)
			s.run(ctx, cfg, l)
		}()
		if s.onIdle != nil {
			s.onIdle(ctx)
		}
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, cfg Config, l Listener) {
	all, err := s.registry.ListChannels(ctx)
	if err != nil {
		s.log.Error("list channels failed", logx.Err(err))
		return
	}
	for _, ch := range lo.Reject(all, func(c registry.Channel, _ int) bool { return c.Enabled }) {
		s.log.Info("channel disabled; skipping", logx.String("channel", ch.Handle))
	}
	handles := lo.UniqBy(
		lo.FilterMap(all, func(c registry.Channel, _ int) (string, bool) {
			return c.Handle, c.Enabled && strings.TrimSpace(c.Handle) != ""
		}),
		strings.ToLower,
	)
	slices.SortFunc(handles, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	size := max(cfg.WaveSize-1, 1)
	pool := slices.Clone(handles)
	s.shuffle(pool)
	waves := lo.Chunk(pool, size)

	start := s.clock.Now()
	s.log.Info("joining channels",
		logx.Int("channels", len(handles)),
		logx.Int("waves", len(waves)),
		logx.Int("wave_size", size),
	)
	for i, wave := range waves {
		if ctx.Err() != nil {
			s.log.Warn("join aborted", logx.Int("wave", i+1), logx.Int("waves", len(waves)))
			return
		}
		s.emit(ctx, l, Event{Kind: EventWave, Wave: i + 1, Channels: wave})
		s.bus.Publish(eventbus.Event{Type: eventbus.JoinWave, Time: s.clock.Now(), Data: eventbus.JoinData{Wave: i + 1, Channels: len(wave)}})
		s.log.Debug("join wave sent", logx.Int("wave", i+1), logx.Int("channels", len(wave)))

		if cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn("join aborted", logx.Int("wave", i+1), logx.Int("waves", len(waves)))
				return
			case <-s.clock.After(cfg.Interval):
			}
		}
	}

	s.emit(ctx, l, Event{Kind: EventFinished, Wave: len(waves), Channels: handles})
	s.bus.Publish(eventbus.Event{Type: eventbus.JoinFinished, Time: s.clock.Now(), Data: eventbus.JoinData{Wave: len(waves), Channels: len(handles)}})
	s.log.Info("finished joining channels", logx.Int("channels", len(handles)), logx.Duration("took", s.clock.Since(start)))
}

func (s *Scheduler) shuffle(v []string) {
	swap := func(i, j int) { v[i], v[j] = v[j], v[i] }
	if s.rng != nil {
		s.rng.Shuffle(len(v), swap)
		return
	}
	rand.Shuffle(len(v), swap)
}

func (s *Scheduler) emit(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("join listener panic", logx.String("event", ev.Kind.String()), logx.Any("panic", r))
		}
	}()
	l.OnJoinEvent(ctx, ev)
}
