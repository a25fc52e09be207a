package credentials

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("credential not found")

// RefreshError is returned when the token endpoint rejects or fails a refresh.
// Revoked marks an auth-level rejection: retrying will not help until an
// operator re-authorizes the channel.
type RefreshError struct {
	Revoked bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsAuthError reports whether err means the credential itself is unusable
// (revoked, missing) as opposed to a transient failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var re *RefreshError
	return errors.As(err, &re) && re.Revoked
}
