package credentials

import (
	"context"
	"errors"
)

var ErrRefresherUnavailable = errors.New("token refresh unavailable: twitch.client_id/client_secret not set")

// OfflineRefresher is used when no app credentials are configured. Its
// errors are transient, so still-valid stored tokens keep being used.
type OfflineRefresher struct{}

func (OfflineRefresher) Validate(context.Context, string) (TokenInfo, error) {
	return TokenInfo{}, ErrRefresherUnavailable
}

func (OfflineRefresher) Refresh(context.Context, string) (Token, error) {
	return Token{}, ErrRefresherUnavailable
}
