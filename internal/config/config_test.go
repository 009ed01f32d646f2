package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/secsync/access"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageBbolt, cfg.Storage)
	assert.True(t, cfg.AutoCreateDocuments)
	assert.Equal(t, AccessAllowAll, cfg.Access.Mode)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
storage: badger
data_dir: /var/lib/secsync
auto_create_documents: false
log_level: debug
retry:
  attempts: 3
  delay: 25ms
relay:
  ping_interval: 15s
  allowed_origins: ["https://app.example.com"]
access:
  mode: static
  rules:
    - session_key: alice
      documents: ["notes", "*"]
      actions: [read, write-update]
admin:
  token: s3cret
tls:
  self_signed: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, StorageBadger, cfg.Storage)
	assert.False(t, cfg.AutoCreateDocuments)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 15*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.Relay.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Relay.AllowedOrigins)
	require.Len(t, cfg.Access.Rules, 1)
	assert.Equal(t, "alice", cfg.Access.Rules[0].SessionKey)
	assert.Equal(t, []access.Action{access.ActionRead, access.ActionWriteUpdate}, cfg.Access.Rules[0].Actions)
	assert.Equal(t, "s3cret", cfg.Admin.Token)
	assert.True(t, cfg.TLS.SelfSigned)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "listn: :80", "listn"},
		{"unknown storage", "storage: sqlite", "unknown storage"},
		{"postgres without dsn", "storage: postgres", "postgres_dsn"},
		{"zero attempts", "retry: {attempts: 0}", "retry.attempts"},
		{"bad log level", "log_level: loud", "log_level"},
		{"unknown access mode", "access: {mode: open}", "unknown access mode"},
		{"short token secret", "access: {mode: token, token_secret: short}", "token_secret"},
		{"bad action", "access: {mode: static, rules: [{session_key: a, actions: [delete]}]}", "invalid action"},
		{"rule without key", "access: {mode: static, rules: [{documents: [x]}]}", "session_key"},
		{"cert without key", "tls: {cert: /tmp/c.pem}", "tls.cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseTokenMode(t *testing.T) {
	cfg, err := Parse([]byte("access:\n  mode: token\n  token_secret: " + strings.Repeat("k", 32)))
	require.NoError(t, err)
	assert.Equal(t, AccessToken, cfg.Access.Mode)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("")
	assert.Error(t, err)
}
