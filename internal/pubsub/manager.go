// Package pubsub keeps each channel's event-subscription topics authorized
// and bounded, and rebuilds them all when the event transport reconnects.
//
// All per-channel queues are owned by one loop goroutine. Periodic
// refreshes, forced refreshes and reconnect rebuilds are commands sent to
// that loop.
package pubsub

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"presencebot/internal/credentials"
	"presencebot/internal/eventbus"
	"presencebot/internal/runtime/supervisor"
	"presencebot/internal/task/scheduler"
	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

type Registry interface {
	ListEnabledChannels(ctx context.Context) ([]string, error)
}

type Credentials interface {
	HasValidCredential(ctx context.Context, handle string) bool
	IsExpiringSoon(ctx context.Context, handle string) bool
	ValidateAndRefresh(ctx context.Context, handle string) error
}

type TopicFactory interface {
	BuildTopic(ctx context.Context, handle string) (transport.Topic, error)
}

type Subscriber interface {
	SubscribeTopics(ctx context.Context, topics []transport.Topic) error
	UnsubscribeTopics(ctx context.Context, topics []transport.Topic) error
}

type Config struct {
	// RefreshEvery is a scheduler spec ("@every 5m", "*/5 * * * *", "5m").
	RefreshEvery        string
	MaxTopicsPerChannel int
	QueueTimeout        time.Duration
	ReconnectCooldown   time.Duration
	ReconnectTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshEvery == "" {
		c.RefreshEvery = "@every 5m"
	}
	if c.MaxTopicsPerChannel <= 0 {
		c.MaxTopicsPerChannel = 1
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 3 * time.Second
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = 30 * time.Minute
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = time.Minute
	}
	return c
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithBus(b eventbus.Bus) Option      { return func(m *Manager) { m.bus = b } }

// WithoutInitialRefresh skips the forced refresh Start normally queues.
func WithoutInitialRefresh() Option { return func(m *Manager) { m.initialRefresh = false } }

type refreshCmd struct{ force bool }

type reconnectCmd struct {
	reply chan []transport.Topic
}

type Manager struct {
	registry Registry
	creds    Credentials
	topics   TopicFactory
	sub      Subscriber
	log      logx.Logger
	clock    clockwork.Clock
	bus      eventbus.Bus

	cfgMu sync.RWMutex
	cfg   Config

	initialRefresh bool
	started        atomic.Bool
	running        atomic.Bool
	inFlight       atomic.Bool
	refreshes      chan refreshCmd
	reconnects     chan reconnectCmd

	cancelMu      sync.Mutex
	cancelRefresh context.CancelFunc

	reconnectMu   sync.Mutex
	lastReconnect time.Time

	// queues is owned by the loop goroutine.
	queues map[string]*topicQueue

	snapMu sync.RWMutex
	snap   map[string]int

	sup   *supervisor.Supervisor
	sched *scheduler.Service
}

func New(cfg Config, reg Registry, creds Credentials, topics TopicFactory, sub Subscriber, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		registry:       reg,
		creds:          creds,
		topics:         topics,
		sub:            sub,
		log:            log.With(logx.String("comp", "pubsub")),
		clock:          clockwork.NewRealClock(),
		bus:            eventbus.Nop(),
		cfg:            cfg.withDefaults(),
		initialRefresh: true,
		refreshes:      make(chan refreshCmd, 1),
		reconnects:     make(chan reconnectCmd, 1),
		queues:         map[string]*topicQueue{},
		snap:           map[string]int{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Apply swaps limits and timeouts. A changed refresh schedule takes effect
// immediately when the manager is running.
func (m *Manager) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	m.cfgMu.Lock()
	prev := m.cfg
	m.cfg = cfg
	sched := m.sched
	m.cfgMu.Unlock()
	if sched != nil && prev.RefreshEvery != cfg.RefreshEvery {
		return sched.Add("pubsub.refresh", cfg.RefreshEvery, 0, m.periodic)
	}
	return nil
}

// Start runs the owning loop and the periodic trigger until ctx is done or
// Stop is called. Starting twice panics.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		panic("pubsub: Start called twice")
	}
	cfg := m.config()
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	sched := scheduler.New(time.Local, m.log)
	if err := sched.Add("pubsub.refresh", cfg.RefreshEvery, 0, m.periodic); err != nil {
		sup.Cancel()
		return err
	}

	m.cfgMu.Lock()
	m.sup, m.sched = sup, sched
	m.cfgMu.Unlock()

	sup.GoRestart("pubsub.loop", m.loop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sched.Start(sup.Context())
	m.log.Info("pubsub started",
		logx.String("refresh_every", cfg.RefreshEvery),
		logx.Int("max_topics_per_channel", cfg.MaxTopicsPerChannel),
	)
	if m.initialRefresh {
		m.trigger(true)
	}
	return nil
}

// Stop stops the trigger and the loop.
func (m *Manager) Stop(ctx context.Context) error {
	m.cfgMu.RLock()
	sup, sched := m.sup, m.sched
	m.cfgMu.RUnlock()
	if sup == nil {
		return nil
	}
	sched.Stop(ctx)
	sup.Cancel()
	return sup.Wait(ctx)
}

// ForceFullRefresh requests a refresh of every enabled channel. It reports
// false when a refresh is already in flight or the manager is not running.
func (m *Manager) ForceFullRefresh() bool { return m.trigger(true) }

func (m *Manager) periodic(context.Context) error {
	m.trigger(false)
	return nil
}

func (m *Manager) trigger(force bool) bool {
	if !m.started.Load() {
		m.log.Warn("refresh requested before start; ignoring", logx.Bool("forced", force))
		return false
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.log.Info("refresh already in flight; dropping trigger", logx.Bool("forced", force))
		return false
	}
	select {
	case m.refreshes <- refreshCmd{force: force}:
		return true
	default:
		m.inFlight.Store(false)
		m.log.Info("refresh already queued; dropping trigger", logx.Bool("forced", force))
		return false
	}
}

func (m *Manager) loop(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)
	for {
		// Reconnect rebuilds take priority over queued refreshes.
		select {
		case <-ctx.Done():
			return nil
		case c := <-m.reconnects:
			m.handleReconnect(ctx, c)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case c := <-m.reconnects:
			m.handleReconnect(ctx, c)
		case c := <-m.refreshes:
			m.handleRefresh(ctx, c)
		}
	}
}

func (m *Manager) handleRefresh(ctx context.Context, c refreshCmd) {
	defer m.inFlight.Store(false)
	rctx, cancel := context.WithCancel(ctx)
	m.cancelMu.Lock()
	m.cancelRefresh = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		m.cancelRefresh = nil
		m.cancelMu.Unlock()
		cancel()
	}()
	m.refresh(rctx, c.force)
}

func (m *Manager) handleReconnect(ctx context.Context, c reconnectCmd) {
	topics := m.rebuild(ctx)
	select {
	case c.reply <- topics:
	default:
	}
}

// candidates returns the enabled channels and, among them, those to refresh:
// every one with a valid credential when forced, otherwise only those
// expiring soon. ok is false when the registry could not be read.
func (m *Manager) candidates(ctx context.Context, force bool) (enabled, cands []string, ok bool) {
	enabled, err := m.registry.ListEnabledChannels(ctx)
	if err != nil {
		m.log.Error("list enabled channels failed", logx.Err(err))
		return nil, nil, false
	}
	enabled = lo.Uniq(enabled)
	if force {
		cands = lo.Filter(enabled, func(h string, _ int) bool { return m.creds.HasValidCredential(ctx, h) })
	} else {
		cands = lo.Filter(enabled, func(h string, _ int) bool { return m.creds.IsExpiringSoon(ctx, h) })
	}
	return enabled, cands, true
}

// retire drains and forgets every queue whose channel is not in keep and
// returns the drained topics.
func (m *Manager) retire(keep []string, timeout time.Duration) []transport.Topic {
	kept := lo.SliceToMap(keep, func(h string) (string, struct{}) { return h, struct{}{} })
	var out []transport.Topic
	for h, q := range m.queues {
		if _, ok := kept[h]; ok {
			continue
		}
		for q.len() > 0 {
			t, ok := q.pop(m.clock, timeout)
			if !ok {
				m.log.Warn("topic queue pop timed out during retire", logx.String("channel", h))
				break
			}
			out = append(out, t)
		}
		delete(m.queues, h)
		m.log.Info("channel left the pool; retiring topics", logx.String("channel", h))
	}
	return out
}

// authorize refreshes the channel's credential and builds its topic.
// ok is false when the channel must be skipped this cycle.
func (m *Manager) authorize(ctx context.Context, h string) (transport.Topic, bool) {
	if err := m.creds.ValidateAndRefresh(ctx, h); err != nil {
		switch {
		case ctx.Err() != nil:
			return transport.Topic{}, false
		case credentials.IsAuthError(err):
			m.log.Warn("credential rejected; skipping channel", logx.String("channel", h), logx.Err(err))
			return transport.Topic{}, false
		case m.creds.HasValidCredential(ctx, h):
			m.log.Warn("credential refresh failed; keeping current credential", logx.String("channel", h), logx.Err(err))
		default:
			m.log.Warn("credential refresh failed; skipping channel", logx.String("channel", h), logx.Err(err))
			return transport.Topic{}, false
		}
	}
	t, err := m.topics.BuildTopic(ctx, h)
	if err != nil {
		m.log.Warn("build topic failed; skipping channel", logx.String("channel", h), logx.Err(err))
		return transport.Topic{}, false
	}
	return t, true
}

// queue returns the channel's queue, resizing it when the limit changed.
// Topics dropped by a shrink are returned for unsubscribe.
func (m *Manager) queue(h string, limit int) (*topicQueue, []transport.Topic) {
	want := limit + 1
	q, ok := m.queues[h]
	if !ok {
		q = newTopicQueue(want)
		m.queues[h] = q
		return q, nil
	}
	if q.cap() == want {
		return q, nil
	}
	nq, dropped := q.resized(want)
	m.queues[h] = nq
	return nq, dropped
}

func (m *Manager) refresh(ctx context.Context, force bool) {
	cfg := m.config()
	start := m.clock.Now()
	enabled, cands, ok := m.candidates(ctx, force)
	if !ok {
		return
	}
	// Channels that were disabled leave the pool on any cycle; a forced
	// cycle also drops channels without a valid credential.
	keep := enabled
	if force {
		keep = cands
	}
	retired := m.retire(keep, cfg.QueueTimeout)
	if len(cands) == 0 && len(retired) == 0 {
		m.log.Debug("no channels need a refresh", logx.Bool("forced", force))
		return
	}

	var (
		added   []transport.Topic
		evicted = retired
		skipped int
	)
	for _, h := range cands {
		if ctx.Err() != nil {
			m.log.Warn("refresh preempted", logx.Int("done", len(added)), logx.Int("candidates", len(cands)))
			return
		}
		t, ok := m.authorize(ctx, h)
		if !ok {
			skipped++
			continue
		}
		q, dropped := m.queue(h, cfg.MaxTopicsPerChannel)
		evicted = append(evicted, dropped...)
		if err := q.push(ctx, m.clock, t, cfg.QueueTimeout); err != nil {
			m.log.Warn("topic queue push failed; dropping topic", logx.String("channel", h), logx.Err(err))
			skipped++
			continue
		}
		added = append(added, t)
	}

	for h, q := range m.queues {
		for q.len() > cfg.MaxTopicsPerChannel {
			t, ok := q.pop(m.clock, cfg.QueueTimeout)
			if !ok {
				m.log.Warn("topic queue pop timed out", logx.String("channel", h))
				break
			}
			evicted = append(evicted, t)
		}
	}

	// A re-added topic (same name, fresh token) replaces its old entry at the
	// transport; unsubscribing the old entry would drop the new one.
	addedKeys := lo.SliceToMap(added, func(t transport.Topic) (string, struct{}) { return t.Key(), struct{}{} })
	removed := lo.Reject(evicted, func(t transport.Topic, _ int) bool {
		_, ok := addedKeys[t.Key()]
		return ok
	})

	// Best effort: the next cycle reconciles.
	if len(added) > 0 {
		if err := m.sub.SubscribeTopics(ctx, added); err != nil {
			m.log.Warn("subscribe topics failed", logx.Int("topics", len(added)), logx.Err(err))
		}
	}
	if len(removed) > 0 {
		if err := m.sub.UnsubscribeTopics(ctx, removed); err != nil {
			m.log.Warn("unsubscribe topics failed", logx.Int("topics", len(removed)), logx.Err(err))
		}
	}

	m.publishSnapshot()
	data := eventbus.RefreshData{Forced: force, Candidates: len(cands), Skipped: skipped, Added: len(added), Evicted: len(removed)}
	m.bus.Publish(eventbus.Event{Type: eventbus.PubSubRefreshed, Time: m.clock.Now(), Data: data})
	m.log.Info("pubsub refreshed",
		logx.Bool("forced", force),
		logx.Int("candidates", data.Candidates),
		logx.Int("skipped", data.Skipped),
		logx.Int("added", data.Added),
		logx.Int("evicted", data.Evicted),
		logx.Duration("took", m.clock.Since(start)),
	)
}

// rebuild empties every queue and refills them as a forced full refresh
// would, without calling the subscriber. It returns every queued topic.
func (m *Manager) rebuild(ctx context.Context) []transport.Topic {
	cfg := m.config()
	drained := 0
	for h, q := range m.queues {
		for q.len() > 0 {
			if _, ok := q.pop(m.clock, cfg.QueueTimeout); !ok {
				m.log.Warn("topic queue pop timed out during drain", logx.String("channel", h))
				break
			}
			drained++
		}
	}
	m.queues = map[string]*topicQueue{}

	_, cands, _ := m.candidates(ctx, true)
	var (
		out     []transport.Topic
		skipped int
	)
	for _, h := range cands {
		if ctx.Err() != nil {
			break
		}
		t, ok := m.authorize(ctx, h)
		if !ok {
			skipped++
			continue
		}
		q, _ := m.queue(h, cfg.MaxTopicsPerChannel)
		if err := q.push(ctx, m.clock, t, cfg.QueueTimeout); err != nil {
			m.log.Warn("topic queue push failed; dropping topic", logx.String("channel", h), logx.Err(err))
			skipped++
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })

	m.publishSnapshot()
	m.bus.Publish(eventbus.Event{Type: eventbus.PubSubReconnect, Time: m.clock.Now(), Data: eventbus.RefreshData{
		Forced: true, Candidates: len(cands), Skipped: skipped, Added: len(out), Evicted: drained,
	}})
	m.log.Info("pubsub rebuilt after reconnect",
		logx.Int("drained", drained),
		logx.Int("candidates", len(cands)),
		logx.Int("topics", len(out)),
		logx.Int("skipped", skipped),
	)
	return out
}

// OnReconnect rebuilds every channel queue and returns the full topic list
// for the transport to resubscribe. Within the cooldown of the previous
// rebuild, or when the loop cannot answer in time, current is returned as is.
func (m *Manager) OnReconnect(ctx context.Context, current []transport.Topic) []transport.Topic {
	cfg := m.config()
	now := m.clock.Now()
	if !m.running.Load() {
		m.log.Warn("reconnect before pubsub loop is running; keeping current topics")
		return current
	}

	m.reconnectMu.Lock()
	if !m.lastReconnect.IsZero() && now.Sub(m.lastReconnect) < cfg.ReconnectCooldown {
		since := now.Sub(m.lastReconnect)
		m.reconnectMu.Unlock()
		m.log.Info("reconnect within cooldown; keeping current topics",
			logx.Duration("since_last", since),
			logx.Int("topics", len(current)),
		)
		m.bus.Publish(eventbus.Event{Type: eventbus.PubSubReconnect, Time: now, Data: eventbus.RefreshData{Suppressed: true}})
		return current
	}
	prev := m.lastReconnect
	m.lastReconnect = now
	m.reconnectMu.Unlock()
	// A rebuild that never answers must not hold the cooldown.
	release := func() {
		m.reconnectMu.Lock()
		if m.lastReconnect.Equal(now) {
			m.lastReconnect = prev
		}
		m.reconnectMu.Unlock()
	}

	cmd := reconnectCmd{reply: make(chan []transport.Topic, 1)}
	timeout := m.clock.After(cfg.ReconnectTimeout)
	select {
	case m.reconnects <- cmd:
	case <-timeout:
		release()
		m.log.Warn("reconnect rebuild not accepted in time; keeping current topics")
		return current
	case <-ctx.Done():
		release()
		return current
	}

	// Preempt a refresh that is mid-cycle so the rebuild starts promptly.
	m.cancelMu.Lock()
	if m.cancelRefresh != nil {
		m.cancelRefresh()
	}
	m.cancelMu.Unlock()

	select {
	case topics := <-cmd.reply:
		return topics
	case <-timeout:
		release()
		m.log.Warn("reconnect rebuild timed out; keeping current topics", logx.Duration("timeout", cfg.ReconnectTimeout))
		return current
	case <-ctx.Done():
		release()
		return current
	}
}

func (m *Manager) publishSnapshot() {
	snap := make(map[string]int, len(m.queues))
	for h, q := range m.queues {
		snap[h] = q.len()
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

// ChannelQueue is one row of Snapshot.
type ChannelQueue struct {
	Channel string `json:"channel"`
	Topics  int    `json:"topics"`
}

// Snapshot returns queue sizes as of the last completed cycle, sorted by channel.
func (m *Manager) Snapshot() []ChannelQueue {
	m.snapMu.RLock()
	out := make([]ChannelQueue, 0, len(m.snap))
	for h, n := range m.snap {
		out = append(out, ChannelQueue{Channel: h, Topics: n})
	}
	m.snapMu.RUnlock()
	slices.SortFunc(out, func(a, b ChannelQueue) int { return cmp.Compare(a.Channel, b.Channel) })
	return out
}
