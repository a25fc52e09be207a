package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "presencebot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT login, user_id, enabled, added_at FROM channels ORDER BY login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var (
			ch      Channel
			addedMS int64
		)
		if err := rows.Scan(&ch.Login, &ch.UserID, &ch.Enabled, &addedMS); err != nil {
			return nil, err
		}
		ch.AddedAt = time.UnixMilli(addedMS).UTC()
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertChannel(ctx context.Context, ch Channel) error {
	ch.Login = NormalizeLogin(ch.Login)
	if ch.Login == "" {
		return errors.New("channel login required")
	}
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(login, user_id, enabled, added_at) VALUES(?,?,?,?)
		 ON CONFLICT(login) DO UPDATE SET user_id=excluded.user_id, enabled=excluded.enabled`,
		ch.Login, ch.UserID, ch.Enabled, ch.AddedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetChannelEnabled(ctx context.Context, login string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET enabled = ? WHERE login = ?`, enabled, NormalizeLogin(login))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetCredential(ctx context.Context, login string) (Credential, bool, error) {
	var (
		c                  Credential
		refresh            sql.NullString
		expiresMS, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT login, user_id, access_token, refresh_token, expires_at, updated_at FROM credentials WHERE login = ?`,
		NormalizeLogin(login),
	).Scan(&c.Login, &c.UserID, &c.AccessToken, &refresh, &expiresMS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	c.RefreshToken = refresh.String
	c.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, true, nil
}

func (s *sqliteStore) PutCredential(ctx context.Context, c Credential) error {
	c.Login = NormalizeLogin(c.Login)
	if c.Login == "" {
		return errors.New("credential login required")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(login, user_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(login) DO UPDATE SET user_id=excluded.user_id, access_token=excluded.access_token,
		   refresh_token=excluded.refresh_token, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		c.Login, c.UserID, c.AccessToken, nullStr(c.RefreshToken), c.ExpiresAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, err) VALUES(?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Actor, e.Action, e.Target, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
