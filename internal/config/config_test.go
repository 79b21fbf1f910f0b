package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJWCC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// control plane
		"ws_url": "ws://127.0.0.1:8080/ws",
		"device_id": "wxrpa-001",
		"engine_url": "unix:///run/wx.sock",
		"listens": ["张三", "项目群",],
		"queue_size": 32,
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws", cfg.WSURL)
	assert.Equal(t, "wxrpa-001", cfg.DeviceID)
	assert.Equal(t, []string{"张三", "项目群"}, cfg.Listens)
	assert.Equal(t, 32, cfg.QueueSize)

	// Unset knobs fall back to defaults.
	assert.Equal(t, 5*time.Minute, cfg.ReplyTTL())
	assert.Equal(t, 20*time.Second, cfg.PingInterval())
	assert.Equal(t, time.Second, cfg.ReconnectMin())
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax())
}

func TestLoadMissingDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"ws_url": "ws://x/ws"}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wxrpa-unknown", cfg.DeviceID)
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"ws_url": `), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestDefaultReadsEnv(t *testing.T) {
	t.Setenv("WS_URL", "ws://env:1/ws")
	t.Setenv("WS_LISTEN", "张三, 项目群,")
	t.Setenv("DEVICE_ID", "wxrpa-env")

	cfg := Default()
	assert.Equal(t, "ws://env:1/ws", cfg.WSURL)
	assert.Equal(t, []string{"张三", "项目群"}, cfg.Listens)
	assert.Equal(t, "wxrpa-env", cfg.DeviceID)
}

func TestParseListens(t *testing.T) {
	assert.Nil(t, ParseListens(""))
	assert.Nil(t, ParseListens(" , "))
	assert.Equal(t, []string{"a", "b"}, ParseListens("a,b"))
}
