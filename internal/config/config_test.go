package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-relay-server/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendMemory, cfg.Directory.Backend)
	assert.Equal(t, 5*time.Second, cfg.Room.TickInterval)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	cfg, err = config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_OverridesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  quic_addr: ":5000"
  worker_count: 8
  handshake_timeout: 2s
  close_grace: 250ms
room:
  drain_timeout: 500ms
  max_users: 16
directory:
  backend: redis
  redis:
    addr: "redis:6379"
    channel_rooms: rooms
log:
  level: debug
  subsystems:
    engine: warn
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.QUICAddr)
	assert.Equal(t, 8, cfg.Server.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Server.HandshakeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.CloseGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.Room.DrainTimeout)
	assert.Equal(t, 16, cfg.Room.MaxUsers)
	assert.Equal(t, config.BackendRedis, cfg.Directory.Backend)
	assert.Equal(t, "redis:6379", cfg.Directory.Redis.Addr)
	assert.Equal(t, "rooms", cfg.Directory.Redis.ChannelRooms)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]string{"engine": "warn"}, cfg.Log.Subsystems)

	// 沒寫的欄位維持預設
	assert.Equal(t, config.Default().Room.TickInterval, cfg.Room.TickInterval)
	assert.Equal(t, config.Default().Server.SendQueueSize, cfg.Server.SendQueueSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"壞掉的 yaml", "server: [", "parse config"},
		{"worker 數量", "server:\n  worker_count: 0\n", "worker_count"},
		{"未知後端", "directory:\n  backend: etcd\n", "unknown backend"},
		{"max_users 超出範圍", "room:\n  max_users: 70000\n", "max_users"},
		{"tick 為零", "room:\n  tick_interval: 0s\n", "tick_interval"},
		{"負的寬限期", "server:\n  close_grace: -1s\n", "close_grace"},
		{"只有憑證", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"未知日誌格式", "log:\n  format: xml\n", "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
