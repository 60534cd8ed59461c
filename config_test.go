package linkup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := DefaultConfig()
	cfg.Auth.UID = "alice"
	cfg.Auth.Token = "secret"
	cfg.Chat.PageSize = 30
	cfg.Cache.Collections = []CollectionRule{{Prefix: "messages:", MaxSize: 50, SortField: "createdAt", Direction: Asc}}
	require.NoError(t, SaveConfig(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "24h0m0s")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Auth.UID)
	assert.Equal(t, 30, loaded.Chat.PageSize)
	assert.Equal(t, DefaultPruneInterval, loaded.Cache.PruneInterval.Duration)
	assert.Equal(t, cfg.Cache.Collections, loaded.Cache.Collections, "collections replace the defaults")
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\nuid = \"bob\"\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Auth.UID)
	assert.Equal(t, DefaultPageSize, cfg.Chat.PageSize)
	assert.Equal(t, DefaultCollections(), cfg.Cache.Collections)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api]\ntimeout = \"soon\"\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_SetValue(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := DefaultConfig()
		require.NoError(t, cfg.SetValue("auth.token", "tok"))
		require.NoError(t, cfg.SetValue("realtime.offline", "true"))
		require.NoError(t, cfg.SetValue("cache.backend", "redis"))
		require.NoError(t, cfg.SetValue("cache.prune_interval", "1h"))
		require.NoError(t, cfg.SetValue("chat.inbox_size", "5"))

		assert.Equal(t, "tok", cfg.Auth.Token)
		assert.True(t, cfg.Realtime.Offline)
		assert.Equal(t, "redis", cfg.Cache.Backend)
		assert.Equal(t, time.Hour, cfg.Cache.PruneInterval.Duration)
		assert.Equal(t, 5, cfg.Chat.InboxSize)
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Error(t, cfg.SetValue("token", "x"))
		assert.Error(t, cfg.SetValue("nope.field", "x"))
		assert.Error(t, cfg.SetValue("auth.nope", "x"))
		assert.Error(t, cfg.SetValue("cache.backend", "etcd"))
		assert.Error(t, cfg.SetValue("chat.page_size", "many"))
		assert.Error(t, cfg.SetValue("api.timeout", "soon"))
	})
}
