package credentials

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

type fakeRefresher struct {
	validate    func(token string) (TokenInfo, error)
	refresh     func(token string) (Token, error)
	refreshes   atomic.Int32
	refreshGate chan struct{}
}

func (f *fakeRefresher) Validate(_ context.Context, token string) (TokenInfo, error) {
	if f.validate == nil {
		return TokenInfo{}, nil
	}
	return f.validate(token)
}

func (f *fakeRefresher) Refresh(_ context.Context, token string) (Token, error) {
	f.refreshes.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	return f.refresh(token)
}

func newRepo(t *testing.T, ref Refresher) (*Repository, storage.Store, *clockwork.FakeClock) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return New(st, ref, logx.Nop(), WithClock(clock), WithExpiringWindow(time.Hour)), st, clock
}

func TestExpiryChecks(t *testing.T) {
	ctx := context.Background()
	repo, _, clock := newRepo(t, &fakeRefresher{})

	require.False(t, repo.HasValidCredential(ctx, "alpha"))
	require.False(t, repo.IsExpiringSoon(ctx, "alpha"))

	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "alpha", UserID: "1", AccessToken: "a", ExpiresAt: clock.Now().Add(2 * time.Hour)}))
	require.True(t, repo.HasValidCredential(ctx, "alpha"))
	require.False(t, repo.IsExpiringSoon(ctx, "alpha"))

	clock.Advance(90 * time.Minute)
	require.True(t, repo.HasValidCredential(ctx, "alpha"))
	require.True(t, repo.IsExpiringSoon(ctx, "alpha"))

	clock.Advance(time.Hour)
	require.False(t, repo.HasValidCredential(ctx, "alpha"))
}

func TestValidateAndRefreshRefreshesExpiringToken(t *testing.T) {
	ctx := context.Background()
	ref := &fakeRefresher{
		validate: func(string) (TokenInfo, error) {
			return TokenInfo{Valid: true, UserID: "1", ExpiresIn: 5 * time.Minute}, nil
		},
		refresh: func(rt string) (Token, error) {
			return Token{AccessToken: "new-" + rt, RefreshToken: "r2", ExpiresIn: 4 * time.Hour}, nil
		},
	}
	repo, st, clock := newRepo(t, ref)
	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "alpha", UserID: "1", AccessToken: "old", RefreshToken: "r1", ExpiresAt: clock.Now().Add(5 * time.Minute)}))

	require.NoError(t, repo.ValidateAndRefresh(ctx, "Alpha"))
	c, ok, err := st.GetCredential(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new-r1", c.AccessToken)
	require.Equal(t, "r2", c.RefreshToken)
	require.True(t, c.ExpiresAt.Equal(clock.Now().Add(4*time.Hour)))
	require.False(t, repo.IsExpiringSoon(ctx, "alpha"))

	topic, err := repo.BuildTopic(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "channel-points-channel-v1.1", topic.Name)
	require.Equal(t, "alpha", topic.Channel)
	require.Equal(t, "new-r1", topic.AuthToken)
}

func TestValidateAndRefreshKeepsHealthyToken(t *testing.T) {
	ctx := context.Background()
	ref := &fakeRefresher{
		validate: func(string) (TokenInfo, error) {
			return TokenInfo{Valid: true, UserID: "7", ExpiresIn: 3 * time.Hour}, nil
		},
		refresh: func(string) (Token, error) { return Token{}, errors.New("unexpected") },
	}
	repo, _, _ := newRepo(t, ref)
	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "alpha", AccessToken: "ok", RefreshToken: "r"}))
	require.NoError(t, repo.ValidateAndRefresh(ctx, "alpha"))
	require.Equal(t, int32(0), ref.refreshes.Load())
	require.True(t, repo.HasValidCredential(ctx, "alpha"))
}

func TestValidateAndRefreshClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	revoked := &fakeRefresher{refresh: func(string) (Token, error) {
		return Token{}, &RefreshError{Revoked: true, Err: errors.New("invalid refresh token")}
	}}
	repo, _, _ := newRepo(t, revoked)

	err := repo.ValidateAndRefresh(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, IsAuthError(err))

	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "alpha", AccessToken: "x", RefreshToken: "r"}))
	err = repo.ValidateAndRefresh(ctx, "alpha")
	require.True(t, IsAuthError(err))

	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "bravo", AccessToken: "x"}))
	require.True(t, IsAuthError(repo.ValidateAndRefresh(ctx, "bravo")), "no refresh token is an auth failure")

	transient := fmt.Errorf("wrap: %w", &RefreshError{Err: errors.New("timeout")})
	require.False(t, IsAuthError(transient))
	require.False(t, IsAuthError(nil))
}

func TestValidateAndRefreshSharesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	ref := &fakeRefresher{
		validate: func(tok string) (TokenInfo, error) {
			// Late callers see the refreshed token and skip refreshing.
			return TokenInfo{Valid: tok == "n", ExpiresIn: 4 * time.Hour}, nil
		},
		refresh:     func(string) (Token, error) { return Token{AccessToken: "n", ExpiresIn: 4 * time.Hour}, nil },
		refreshGate: make(chan struct{}),
	}
	repo, _, _ := newRepo(t, ref)
	require.NoError(t, repo.Put(ctx, storage.Credential{Login: "alpha", AccessToken: "x", RefreshToken: "r"}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.ValidateAndRefresh(ctx, "alpha")
		}()
	}
	require.Eventually(t, func() bool { return ref.refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ref.refreshGate)
	wg.Wait()
	require.Equal(t, int32(1), ref.refreshes.Load())
}
