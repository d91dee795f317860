package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRemote   = "remote"
)

// Peer resolution policies for the conversation list.
const (
	PeerPolicyFresh    = "fresh"
	PeerPolicySnapshot = "snapshot"
)

// Config holds the sync core and dev backend settings.
// Environment variables are parsed from the CHATSYNC_ prefix.
type Config struct {
	// Document store
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	StoreDSN    string `envconfig:"STORE_DSN" default:""`

	// Remote backend (chattyd) base URL, used by the remote driver and the
	// HTTP authenticator.
	RemoteURL      string        `envconfig:"REMOTE_URL" default:"http://localhost:8080"`
	DialMaxElapsed time.Duration `envconfig:"DIAL_MAX_ELAPSED" default:"30s"`

	// Token signing secret for the local authenticator and chattyd.
	AuthSecret string `envconfig:"AUTH_SECRET" default:""`

	PeerPolicy       string        `envconfig:"PEER_POLICY" default:"fresh"`
	PeerFetchTimeout time.Duration `envconfig:"PEER_FETCH_TIMEOUT" default:"5s"`
	OpTimeout        time.Duration `envconfig:"OP_TIMEOUT" default:"15s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// chattyd listen address
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// ResolveDefaults validates the driver and policy and fills derived values.
func (c *Config) ResolveDefaults() error {
	switch c.StoreDriver {
	case "", "auto":
		c.StoreDriver = DriverMemory
	case DriverMemory, DriverRemote:
	case DriverSQLite:
		if c.StoreDSN == "" {
			c.StoreDSN = "chatsync.db"
		}
	case DriverPostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN is required for driver %s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}

	if c.StoreDriver == DriverRemote && c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_URL is required for driver %s", c.StoreDriver)
	}

	switch c.PeerPolicy {
	case "":
		c.PeerPolicy = PeerPolicyFresh
	case PeerPolicyFresh, PeerPolicySnapshot:
	default:
		return fmt.Errorf("unsupported PEER_POLICY: %s", c.PeerPolicy)
	}

	if c.PeerFetchTimeout <= 0 {
		return fmt.Errorf("PEER_FETCH_TIMEOUT must be positive")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("OP_TIMEOUT must be positive")
	}
	return nil
}

// WebsocketURL is the document endpoint of RemoteURL.
func (c *Config) WebsocketURL() string {
	u := strings.TrimSuffix(c.RemoteURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// SQLDriverName maps the store driver to its database/sql driver.
func (c *Config) SQLDriverName() string {
	if c.StoreDriver == DriverSQLite {
		return "sqlite3"
	}
	return c.StoreDriver
}

// New loads an optional .env file, then parses CHATSYNC_ variables.
// Example: CHATSYNC_STORE_DRIVER=sqlite CHATSYNC_STORE_DSN=chat.db
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("CHATSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("store_driver", cfg.StoreDriver).
		Str("store_dsn_present", func() string {
			if cfg.StoreDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Str("remote_url", cfg.RemoteURL).
		Str("peer_policy", cfg.PeerPolicy).
		Dur("peer_fetch_timeout", cfg.PeerFetchTimeout).
		Dur("op_timeout", cfg.OpTimeout).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting returns an in-memory configuration.
func NewForTesting() *Config {
	return &Config{
		StoreDriver:      DriverMemory,
		RemoteURL:        "http://localhost:8080",
		DialMaxElapsed:   time.Second,
		AuthSecret:       "test-secret",
		PeerPolicy:       PeerPolicyFresh,
		PeerFetchTimeout: time.Second,
		OpTimeout:        5 * time.Second,
		LogLevel:         "debug",
		HTTPAddr:         ":0",
	}
}
