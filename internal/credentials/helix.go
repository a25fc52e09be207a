package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nicklaw5/helix/v2"
	"github.com/sony/gobreaker"

	logx "presencebot/pkg/logx"
)

// HelixRefresher validates and refreshes user tokens through the Twitch
// identity endpoints. Calls go through a circuit breaker; revoked tokens do
// not count as breaker failures.
type HelixRefresher struct {
	client *helix.Client
	cb     *gobreaker.CircuitBreaker
	log    logx.Logger
}

type HelixConfig struct {
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

func NewHelixRefresher(cfg HelixConfig, log logx.Logger) (*HelixRefresher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("helix: client id and secret required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client, err := helix.NewClient(&helix.Options{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "helix"))
	return &HelixRefresher{client: client, cb: newBreaker(log), log: log}, nil
}

func newBreaker(log logx.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "helix-token",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsAuthError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
}

func (h *HelixRefresher) Validate(ctx context.Context, accessToken string) (TokenInfo, error) {
	if err := ctx.Err(); err != nil {
		return TokenInfo{}, err
	}
	v, err := h.cb.Execute(func() (interface{}, error) {
		valid, resp, err := h.client.ValidateToken(accessToken)
		if err != nil {
			return nil, err
		}
		if !valid || resp == nil {
			return TokenInfo{}, nil
		}
		return TokenInfo{
			Valid:     true,
			UserID:    resp.Data.UserID,
			ExpiresIn: time.Duration(resp.Data.ExpiresIn) * time.Second,
		}, nil
	})
	if err != nil {
		return TokenInfo{}, err
	}
	return v.(TokenInfo), nil
}

func (h *HelixRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	v, err := h.cb.Execute(func() (interface{}, error) {
		resp, err := h.client.RefreshUserAccessToken(refreshToken)
		if err != nil {
			return nil, &RefreshError{Err: err}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &RefreshError{
				Revoked: resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized,
				Err:     fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, resp.ErrorMessage),
			}
		}
		return Token{
			AccessToken:  resp.Data.AccessToken,
			RefreshToken: resp.Data.RefreshToken,
			ExpiresIn:    time.Duration(resp.Data.ExpiresIn) * time.Second,
		}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Token{}, &RefreshError{Err: err}
		}
		return Token{}, err
	}
	return v.(Token), nil
}
