package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"presencebot/internal/config"
	"presencebot/internal/credentials"
	"presencebot/internal/dispatch"
	"presencebot/internal/eventbus"
	"presencebot/internal/join"
	"presencebot/internal/metrics"
	"presencebot/internal/observability/debug"
	"presencebot/internal/pubsub"
	"presencebot/internal/registry"
	rtsup "presencebot/internal/runtime/supervisor"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/transport/telegram"
	"presencebot/internal/transport/twitch"
	logx "presencebot/pkg/logx"
	"presencebot/pkg/systemd"
)

// App wires the presence core to the Twitch transports and owns their lifecycle.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *registry.Registry
	creds    *credentials.Repository

	chat   *twitch.Chat
	events *twitch.Events

	joiner   *join.Scheduler
	pubsub   *pubsub.Manager
	dispatch *dispatch.Queue
	debug    *debug.Server

	pubsubOnce sync.Once
	// rejoin is set when a join trigger lands while a join is running.
	rejoin atomic.Bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Typed nil must not reach logx: it checks the interface for nil.
	var sender logx.AlertSender
	if cfg.Logging.Alerts.Enabled {
		tg, err := telegram.NewAlertSender(telegram.Config{
			Token:    cfg.Alerts.TelegramToken,
			ChatID:   cfg.Alerts.ChatID,
			ThreadID: cfg.Alerts.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		sender = tg
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg), sender)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
	}
	if err := a.build(cfg, root); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	a.registry = registry.New(a.store, root)

	window, err := config.ParseDurationOrDefault("pubsub.expiring_window", cfg.PubSub.ExpiringWindow, config.DefaultExpiringWindow)
	if err != nil {
		return err
	}
	var refresher credentials.Refresher = credentials.OfflineRefresher{}
	if cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" {
		h, err := credentials.NewHelixRefresher(credentials.HelixConfig{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
		}, root)
		if err != nil {
			return err
		}
		refresher = h
	} else {
		a.log.Warn("twitch.client_id/client_secret not set; credentials will not be refreshed")
	}
	a.creds = credentials.New(a.store, refresher, root, credentials.WithExpiringWindow(window))

	a.chat = twitch.NewChat(mapChatConfig(cfg), root)
	a.events = twitch.NewEvents(mapEventsConfig(cfg), root)

	jc, err := mapJoinConfig(cfg)
	if err != nil {
		return err
	}
	a.joiner = join.New(jc, a.registry, root, join.WithBus(a.bus), join.WithIdleFunc(a.onJoinIdle))
	a.joiner.SetListener(join.ListenerFunc(a.onJoinEvent))

	pc, err := mapPubSubConfig(cfg)
	if err != nil {
		return err
	}
	a.pubsub = pubsub.New(pc, a.registry, a.creds, a.creds, a.events, root, pubsub.WithBus(a.bus))
	a.events.SetReconnectHandler(a.pubsub)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.dispatch = dispatch.New(dc, a.chat, root, a.bus)

	dbg, err := mapDebugConfig(cfg)
	if err != nil {
		return err
	}
	a.debug = debug.New(dbg, a.status, root)
	a.registerAdminRoutes()

	a.chat.SetReadyHandler(transport.ReadyFunc(a.onReady))
	a.registry.OnChange(a.onChannelsChanged)
	return nil
}

// Dispatch is the outbound queue for message producers.
func (a *App) Dispatch() *dispatch.Queue { return a.dispatch }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sup.Go0("metrics", func(c context.Context) { metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	a.dispatch.Start(runCtx)
	a.debug.Start(runCtx)
	a.events.Start(runCtx)
	a.chat.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("login", a.cfgm.Get().Twitch.Login))
	return nil
}

// onReady runs on every chat (re)authentication: join everything, and start
// the subscription pool the first time.
func (a *App) onReady(context.Context) {
	runCtx := a.sup.Context()
	a.requestJoin(runCtx)
	a.pubsubOnce.Do(func() {
		if err := a.pubsub.Start(runCtx); err != nil {
			a.log.Error("pubsub start failed", logx.Err(err))
		}
	})
}

// requestJoin starts a join, or marks one pending when a join is already
// running. Waves sent before a reconnect went to the old connection, so the
// pending join reruns every channel once the current one returns.
func (a *App) requestJoin(ctx context.Context) {
	if a.joiner.JoinChannels(ctx) {
		return
	}
	a.rejoin.Store(true)
	// The running join may have returned before the flag was set.
	if !a.joiner.Running() {
		a.onJoinIdle(ctx)
	}
}

func (a *App) onJoinIdle(ctx context.Context) {
	if ctx.Err() != nil || !a.rejoin.CompareAndSwap(true, false) {
		return
	}
	a.log.Info("rejoining channels after trigger during join")
	if !a.joiner.JoinChannels(ctx) {
		a.rejoin.Store(true)
	}
}

func (a *App) onJoinEvent(ctx context.Context, ev join.Event) {
	switch ev.Kind {
	case join.EventWave:
		if err := a.chat.JoinChannels(ctx, ev.Channels); err != nil {
			a.log.Warn("join wave failed", logx.Int("wave", ev.Wave), logx.Int("channels", len(ev.Channels)), logx.Err(err))
		}
	case join.EventFinished:
		_, _ = systemd.Status(fmt.Sprintf("present in %d channels", len(ev.Channels)))
	}
}

// onChannelsChanged re-runs join and refresh after a channel is added or enabled.
func (a *App) onChannelsChanged(context.Context) {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return
	}
	a.requestJoin(a.sup.Context())
	a.pubsub.ForceFullRefresh()
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.apply(c, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// apply pushes a committed config into the running components.
func (a *App) apply(c context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage", "twitch", "alerts":
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if jc, err := mapJoinConfig(cfg); err != nil {
		a.log.Warn("invalid join config; keeping previous", logx.Err(err))
	} else {
		a.joiner.Apply(jc)
	}
	if pc, err := mapPubSubConfig(cfg); err != nil {
		a.log.Warn("invalid pubsub config; keeping previous", logx.Err(err))
	} else if err := a.pubsub.Apply(pc); err != nil {
		a.log.Warn("pubsub reschedule failed", logx.Err(err))
	}
	if dc, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dc)
	}
	if dbg, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dbg)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Dispatch first: it still needs the chat connection to flush due messages.
	a.step(ctx, "dispatch", 3*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })

	a.sup.Cancel()

	a.step(ctx, "pubsub", 2*time.Second, a.pubsub.Stop)
	a.step(ctx, "join", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.joiner.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "events", 2*time.Second, a.events.Stop)
	a.step(ctx, "chat", 2*time.Second, a.chat.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
