// Package credentials owns per-channel OAuth credentials: expiry checks,
// refresh through the platform token endpoint and subscription topic names.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"presencebot/internal/storage"
	"presencebot/internal/transport"
	logx "presencebot/pkg/logx"
)

const (
	// TopicPrefix names the per-channel points subscription.
	TopicPrefix = "channel-points-channel-v1."

	defaultExpiringWindow = time.Hour
)

// Token is a fresh credential returned by a Refresher.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// TokenInfo is the result of validating an access token.
type TokenInfo struct {
	Valid     bool
	UserID    string
	ExpiresIn time.Duration
}

// Refresher talks to the platform token endpoint.
type Refresher interface {
	Validate(ctx context.Context, accessToken string) (TokenInfo, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

type Option func(*Repository)

func WithClock(c clockwork.Clock) Option { return func(r *Repository) { r.clock = c } }

// WithExpiringWindow sets how close to expiry a credential counts as expiring soon.
func WithExpiringWindow(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.window = d
		}
	}
}

type Repository struct {
	store     storage.Store
	refresher Refresher
	log       logx.Logger
	clock     clockwork.Clock
	window    time.Duration

	group singleflight.Group
}

func New(store storage.Store, refresher Refresher, log logx.Logger, opts ...Option) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Repository{
		store:     store,
		refresher: refresher,
		log:       log.With(logx.String("comp", "credentials")),
		clock:     clockwork.NewRealClock(),
		window:    defaultExpiringWindow,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Repository) get(ctx context.Context, handle string) (storage.Credential, bool) {
	c, ok, err := r.store.GetCredential(ctx, handle)
	if err != nil {
		r.log.Warn("credential lookup failed", logx.String("channel", handle), logx.Err(err))
		return storage.Credential{}, false
	}
	return c, ok
}

// HasValidCredential reports whether a stored credential exists and has not expired.
func (r *Repository) HasValidCredential(ctx context.Context, handle string) bool {
	c, ok := r.get(ctx, handle)
	return ok && c.AccessToken != "" && r.clock.Now().Before(c.ExpiresAt)
}

// IsExpiringSoon reports whether a stored credential expires within the window.
// Channels without a credential are not expiring; they have nothing to refresh.
func (r *Repository) IsExpiringSoon(ctx context.Context, handle string) bool {
	c, ok := r.get(ctx, handle)
	if !ok {
		return false
	}
	return c.ExpiresAt.Sub(r.clock.Now()) < r.window
}

// Put stores a credential (operator "token set").
func (r *Repository) Put(ctx context.Context, c storage.Credential) error {
	if c.AccessToken == "" {
		return errors.New("access token required")
	}
	c.UpdatedAt = r.clock.Now()
	return r.store.PutCredential(ctx, c)
}

// ValidateAndRefresh makes sure the channel's credential is usable for at
// least the expiring window, refreshing it when needed. Concurrent calls for
// the same channel share one refresh.
func (r *Repository) ValidateAndRefresh(ctx context.Context, handle string) error {
	handle = storage.NormalizeLogin(handle)
	_, err, _ := r.group.Do(handle, func() (any, error) {
		return nil, r.validateAndRefresh(ctx, handle)
	})
	return err
}

func (r *Repository) validateAndRefresh(ctx context.Context, handle string) error {
	c, ok, err := r.store.GetCredential(ctx, handle)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	info, err := r.refresher.Validate(ctx, c.AccessToken)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	if info.Valid && info.ExpiresIn >= r.window {
		if info.UserID != "" {
			c.UserID = info.UserID
		}
		c.ExpiresAt = now.Add(info.ExpiresIn)
		c.UpdatedAt = now
		return r.store.PutCredential(ctx, c)
	}

	if c.RefreshToken == "" {
		return &RefreshError{Revoked: true, Err: errors.New("no refresh token")}
	}
	tok, err := r.refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		return err
	}
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.ExpiresAt = now.Add(tok.ExpiresIn)
	c.UpdatedAt = now
	if err := r.store.PutCredential(ctx, c); err != nil {
		return fmt.Errorf("store refreshed credential: %w", err)
	}
	r.log.Debug("credential refreshed", logx.String("channel", handle), logx.Time("expires_at", c.ExpiresAt))
	return nil
}

// BuildTopic returns the subscription topic for the channel's current credential.
func (r *Repository) BuildTopic(ctx context.Context, handle string) (transport.Topic, error) {
	c, ok, err := r.store.GetCredential(ctx, handle)
	if err != nil {
		return transport.Topic{}, err
	}
	if !ok || c.UserID == "" {
		return transport.Topic{}, ErrNotFound
	}
	return transport.Topic{
		Channel:   storage.NormalizeLogin(handle),
		Name:      TopicPrefix + c.UserID,
		AuthToken: c.AccessToken,
	}, nil
}
