package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronwang/live-auction/api-gateway/internal/events"
	"github.com/aaronwang/live-auction/api-gateway/internal/events/eventstest"
	"github.com/aaronwang/live-auction/shared/logging"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("PUBLISH_LIVE", "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.PublishLive)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "lua", cfg.RedisStrategy)
	assert.Equal(t, 10*time.Second, cfg.TransitionTimeout)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: postgres
redis_strategy: optimistic
redis_db: 2
transition_timeout: 3s
server_addr: ":9000"
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_ADDR", ":9100")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, "optimistic", cfg.RedisStrategy)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 3*time.Second, cfg.TransitionTimeout)
	assert.Equal(t, ":9100", cfg.ServerAddr)
}

func TestLoadConfig_UnknownBackend(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "etcd")

	_, err := loadConfig()
	require.Error(t, err)
}

func TestLiveSink(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("PUBLISH_LIVE", "")
	rec := &eventstest.Recorder{}

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, events.Sink(rec), liveSink(cfg, rec, logging.Discard()))

	t.Setenv("PUBLISH_LIVE", "false")
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.PublishLive)
	assert.IsType(t, events.Discard{}, liveSink(cfg, rec, logging.Discard()))
}
