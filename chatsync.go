// Package chatsync is the client-side core of a one-to-one chat app. It
// keeps the signed-in user's profile, conversation list and open message
// stream live against a document store.
package chatsync

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/registry"
	"github.com/pliu/chatsync/internal/session"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/memstore"
	"github.com/pliu/chatsync/internal/store/remotestore"
	"github.com/pliu/chatsync/internal/store/sqlstore"
)

type (
	Config           = config.Config
	Session          = session.Session
	State            = session.State
	SignUpInput      = session.SignUpInput
	Event            = session.Event
	ProfileUpdate    = identity.ProfileUpdate
	FederatedAccount = auth.FederatedAccount
	User             = models.User
	Conversation     = models.Conversation
	ConversationView = models.ConversationView
	Message          = models.Message
)

const (
	StateSignedOut         = session.StateSignedOut
	StateAuthenticating    = session.StateAuthenticating
	StateProfileIncomplete = session.StateProfileIncomplete
	StateActive            = session.StateActive
)

var (
	ErrValidation       = chaterr.ErrValidation
	ErrNotFound         = chaterr.ErrNotFound
	ErrConflict         = chaterr.ErrConflict
	ErrAuth             = chaterr.ErrAuth
	ErrStoreUnavailable = chaterr.ErrStoreUnavailable
	ErrPermission       = chaterr.ErrPermission
	ErrSelfPairing      = chaterr.ErrSelfPairing
	ErrNotSignedIn      = chaterr.ErrNotSignedIn
)

// ErrorMessage returns the short user-facing text for err.
func ErrorMessage(err error) string { return chaterr.Message(err) }

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) { return config.New() }

// Backend is a document store that owns resources.
type Backend interface {
	store.Store
	io.Closer
}

// OpenStore opens the local document store named by cfg. The remote driver
// is not a local store and is rejected.
func OpenStore(cfg *Config, log zerolog.Logger) (Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memstore.New(log), nil
	case config.DriverSQLite, config.DriverPostgres:
		st, err := sqlstore.New(cfg.SQLDriverName(), cfg.StoreDSN, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("store driver %q is not a local store", cfg.StoreDriver)
	}
}

// Client is a Session plus the store it runs on.
type Client struct {
	*Session
	provider *auth.Session
	backend  Backend
}

// Open builds a signed-out session from cfg. With the remote driver both
// the store and authentication go through chattyd; otherwise accounts live
// in the local store.
func Open(cfg *Config, log zerolog.Logger) (*Client, error) {
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	var (
		backend  Backend
		provider *auth.Session
	)
	if cfg.StoreDriver == config.DriverRemote {
		provider = auth.NewSession(auth.NewClient(cfg.RemoteURL, cfg.OpTimeout), log)
		backend = remotestore.New(cfg.WebsocketURL(), provider.Token,
			remotestore.WithMaxElapsed(cfg.DialMaxElapsed),
			remotestore.WithLogger(log),
		)
	} else {
		st, err := OpenStore(cfg, log)
		if err != nil {
			return nil, err
		}
		secret, err := signingSecret(cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		backend = st
		provider = auth.NewSession(auth.NewDirectory(st, secret, auth.WithLogger(log)), log)
	}

	s := session.New(backend, provider,
		session.WithLogger(log),
		session.WithOpTimeout(cfg.OpTimeout),
		session.WithPeerPolicy(registry.ParsePeerPolicy(cfg.PeerPolicy)),
		session.WithPeerTimeout(cfg.PeerFetchTimeout),
	)
	return &Client{Session: s, provider: provider, backend: backend}, nil
}

// Token returns the current session token for later Resume calls, or "".
func (c *Client) Token() string {
	return c.provider.Token()
}

// Close signs out and releases the store.
func (c *Client) Close() error {
	_ = c.Session.SignOut(context.Background())
	return c.backend.Close()
}

// signingSecret returns the configured secret, or a random one whose tokens
// die with the process.
func signingSecret(cfg *Config) ([]byte, error) {
	if cfg.AuthSecret != "" {
		return []byte(cfg.AuthSecret), nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
