// Package registry is the storage-backed list of chat channels the bot
// should be present in.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

// Channel is a registry row as seen by the presence core.
type Channel struct {
	Handle  string
	UserID  string
	Enabled bool
}

// Registry reads and mutates channels through a storage.Store.
// Mutations fire the OnChange hooks (the app re-runs the join scheduler).
type Registry struct {
	store storage.Store
	log   logx.Logger

	mu    sync.RWMutex
	hooks []func(ctx context.Context)
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log.With(logx.String("comp", "registry"))}
}

// OnChange registers fn to run after a channel is added or (re)enabled.
func (r *Registry) OnChange(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Registry) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := r.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(c storage.Channel, _ int) Channel {
		return Channel{Handle: c.Login, UserID: c.UserID, Enabled: c.Enabled}
	}), nil
}

func (r *Registry) ListEnabledChannels(ctx context.Context) ([]string, error) {
	chans, err := r.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(chans, func(c Channel, _ int) (string, bool) { return c.Handle, c.Enabled }), nil
}

func (r *Registry) IsEnabled(ctx context.Context, handle string) (bool, error) {
	chans, err := r.ListChannels(ctx)
	if err != nil {
		return false, err
	}
	handle = storage.NormalizeLogin(handle)
	ch, ok := lo.Find(chans, func(c Channel) bool { return c.Handle == handle })
	return ok && ch.Enabled, nil
}

// Add inserts or re-enables a channel.
func (r *Registry) Add(ctx context.Context, handle, userID, actor string) error {
	handle = storage.NormalizeLogin(handle)
	if handle == "" {
		return errors.New("channel handle required")
	}
	err := r.store.UpsertChannel(ctx, storage.Channel{Login: handle, UserID: userID, Enabled: true})
	r.audit(ctx, actor, "channel.add", handle, err)
	if err != nil {
		return err
	}
	r.log.Info("channel added", logx.String("channel", handle))
	r.fire(ctx)
	return nil
}

// SetEnabled toggles a channel. It reports false if the channel is unknown.
func (r *Registry) SetEnabled(ctx context.Context, handle string, enabled bool, actor string) (bool, error) {
	handle = storage.NormalizeLogin(handle)
	ok, err := r.store.SetChannelEnabled(ctx, handle, enabled)
	action := "channel.disable"
	if enabled {
		action = "channel.enable"
	}
	r.audit(ctx, actor, action, handle, err)
	if err != nil || !ok {
		return ok, err
	}
	r.log.Info("channel updated", logx.String("channel", handle), logx.Bool("enabled", enabled))
	if enabled {
		r.fire(ctx)
	}
	return true, nil
}

func (r *Registry) fire(ctx context.Context) {
	r.mu.RLock()
	hooks := append([]func(context.Context){}, r.hooks...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func (r *Registry) audit(ctx context.Context, actor, action, target string, opErr error) {
	if actor == "" {
		actor = "runtime"
	}
	e := storage.AuditEntry{Actor: actor, Action: action, Target: target}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Debug("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
