package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_STORE_DRIVER", "")
	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, PeerPolicyFresh, cfg.PeerPolicy)
	assert.Equal(t, 5*time.Second, cfg.PeerFetchTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_STORE_DRIVER", "sqlite")
	t.Setenv("CHATSYNC_PEER_POLICY", "snapshot")
	t.Setenv("CHATSYNC_PEER_FETCH_TIMEOUT", "250ms")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "chatsync.db", cfg.StoreDSN)
	assert.Equal(t, "sqlite3", cfg.SQLDriverName())
	assert.Equal(t, PeerPolicySnapshot, cfg.PeerPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.PeerFetchTimeout)
}

func TestResolveDefaults(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"testing config", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = DriverPostgres }, true},
		{"postgres with dsn", func(c *Config) { c.StoreDriver = DriverPostgres; c.StoreDSN = "host=db" }, false},
		{"remote without url", func(c *Config) { c.StoreDriver = DriverRemote; c.RemoteURL = "" }, true},
		{"unknown policy", func(c *Config) { c.PeerPolicy = "sometimes" }, true},
		{"zero timeout", func(c *Config) { c.PeerFetchTimeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewForTesting()
			tt.mutate(cfg)
			err := cfg.ResolveDefaults()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	cfg := NewForTesting()
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WebsocketURL())
	cfg.RemoteURL = "https://chat.example.com/"
	assert.Equal(t, "wss://chat.example.com/ws", cfg.WebsocketURL())
}
