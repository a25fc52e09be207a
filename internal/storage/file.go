package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "presencebot/pkg/logx"
)

// fileStore keeps the whole state in memory and rewrites a JSON snapshot
// on every mutation (tmp file + rename). The state is small: one row per
// channel plus one credential per channel.
//
// Files:
//   - <path>                  (snapshot)
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	path      string
	auditFile *os.File
	state     fileState
}

type fileState struct {
	Channels    map[string]Channel    `json:"channels"`
	Credentials map[string]Credential `json:"credentials"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	auditPath := filepath.Join(dir, base+".audit.jsonl")

	st := fileState{Channels: map[string]Channel{}, Credentials: map[string]Credential{}}
	if err := loadSnapshot(path, &st); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("channels", len(st.Channels)))
	return &fileStore{log: log, path: path, auditFile: af, state: st}, nil
}

func loadSnapshot(path string, out *fileState) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return err
	}
	if out.Channels == nil {
		out.Channels = map[string]Channel{}
	}
	if out.Credentials == nil {
		out.Credentials = map[string]Credential{}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) ListChannels(context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	out := make([]Channel, 0, len(s.state.Channels))
	for _, ch := range s.state.Channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out, nil
}

func (s *fileStore) UpsertChannel(_ context.Context, ch Channel) error {
	ch.Login = NormalizeLogin(ch.Login)
	if ch.Login == "" {
		return errors.New("channel login required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if prev, ok := s.state.Channels[ch.Login]; ok && ch.AddedAt.IsZero() {
		ch.AddedAt = prev.AddedAt
	}
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now().UTC()
	}
	s.state.Channels[ch.Login] = ch
	return s.flushLocked()
}

func (s *fileStore) SetChannelEnabled(_ context.Context, login string, enabled bool) (bool, error) {
	login = NormalizeLogin(login)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return false, ErrClosed
	}
	ch, ok := s.state.Channels[login]
	if !ok {
		return false, nil
	}
	if ch.Enabled == enabled {
		return true, nil
	}
	ch.Enabled = enabled
	s.state.Channels[login] = ch
	return true, s.flushLocked()
}

func (s *fileStore) GetCredential(_ context.Context, login string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return Credential{}, false, ErrClosed
	}
	c, ok := s.state.Credentials[NormalizeLogin(login)]
	return c, ok, nil
}

func (s *fileStore) PutCredential(_ context.Context, c Credential) error {
	c.Login = NormalizeLogin(c.Login)
	if c.Login == "" {
		return errors.New("credential login required")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	s.state.Credentials[c.Login] = c
	return s.flushLocked()
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("snapshot rename failed", logx.String("path", s.path), logx.Err(err))
		return err
	}
	return nil
}
