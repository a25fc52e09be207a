package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"presencebot/internal/storage"
	logx "presencebot/pkg/logx"
)

func writeConfig(t *testing.T) (cfgPath, statePath string) {
	t.Helper()
	dir := t.TempDir()
	statePath = filepath.Join(dir, "state.json")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := "twitch:\n  login: presencebot\nstorage:\n  driver: file\n  path: " + statePath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, statePath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChannelsCommands(t *testing.T) {
	cfg, _ := writeConfig(t)

	out, err := run(t, "-c", cfg, "channels", "add", "#Alpha", "bravo")
	require.NoError(t, err)
	require.Contains(t, out, "added alpha")

	_, err = run(t, "-c", cfg, "channels", "disable", "bravo")
	require.NoError(t, err)

	_, err = run(t, "-c", cfg, "channels", "enable", "ghost")
	require.ErrorContains(t, err, "unknown channel")

	out, err = run(t, "-c", cfg, "channels", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.Regexp(t, `^alpha\s+true$`, strings.TrimSpace(lines[1]))
	require.Regexp(t, `^bravo\s+false$`, strings.TrimSpace(lines[2]))
}

func TestTokenSet(t *testing.T) {
	cfg, statePath := writeConfig(t)

	_, err := run(t, "-c", cfg, "token", "set", "alpha")
	require.Error(t, err, "--access is required")

	out, err := run(t, "-c", cfg, "token", "set", "Alpha", "--access", "a1", "--refresh", "r1", "--user-id", "42")
	require.NoError(t, err)
	require.Contains(t, out, "stored token for alpha")

	st, err := storage.Open(storage.Config{Driver: "file", Path: statePath}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	c, ok, err := st.GetCredential(context.Background(), "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", c.UserID)
	require.Equal(t, "r1", c.RefreshToken)
}
