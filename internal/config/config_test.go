package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.EchoTTL())
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
	assert.Equal(t, int64(65536), cfg.MaxMessageSize)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridview.toml")
	content := `
chat_url = "http://chat.internal:9000"
echo_ttl_ms = 1500
poll_interval_ms = 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("POLL_INTERVAL_MS", "750")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://chat.internal:9000", cfg.ChatURL)
	assert.Equal(t, 1500*time.Millisecond, cfg.EchoTTL())
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ECHO_TTL_MS", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsHTTPWebSocketURL(t *testing.T) {
	t.Setenv("WS_URL", "http://localhost:8000")
	_, err := Load("")
	assert.ErrorContains(t, err, "ws_url")
}

func TestLocation(t *testing.T) {
	cfg := Default()
	cfg.TimeZone = "UTC"
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	cfg.TimeZone = "Not/AZone"
	_, err = cfg.Location()
	assert.Error(t, err)
}
