package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSON Lines audit log next to Path
//   - "sqlite": SQLite database file
//
// If Driver is "none", Open returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Channel is one registry row. Login is stored lowercased.
type Channel struct {
	Login   string    `json:"login"`
	UserID  string    `json:"user_id,omitempty"`
	Enabled bool      `json:"enabled"`
	AddedAt time.Time `json:"added_at"`
}

// Credential is the per-channel OAuth credential used for subscription topics.
type Credential struct {
	Login        string    `json:"login"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditEntry records an operator action (CLI or runtime admin).
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Error  string    `json:"error,omitempty"`
}

// NormalizeLogin lowercases and trims a channel handle. A leading '#' is dropped.
func NormalizeLogin(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}
