package storage

import (
	"context"
	"errors"
	"strings"

	logx "presencebot/pkg/logx"
)

// Store is the persistence API used by the registry and credentials repository.
type Store interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	UpsertChannel(ctx context.Context, ch Channel) error
	// SetChannelEnabled reports false when the channel does not exist.
	SetChannelEnabled(ctx context.Context, login string, enabled bool) (bool, error)

	GetCredential(ctx context.Context, login string) (Credential, bool, error)
	PutCredential(ctx context.Context, c Credential) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
