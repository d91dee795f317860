// Package auth issues and tracks the principal the sync core acts for.
package auth

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Principal is the stable identity of a signed-in user.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// FederatedAccount is an account issued by an external identity provider.
// Its profile fields pre-fill a new user record.
type FederatedAccount struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoRef    string `json:"photoRef"`
}

// Grant is a principal plus the token that proves it.
type Grant struct {
	Principal Principal `json:"principal"`
	Token     string    `json:"token"`
}

// Authenticator checks credentials and issues grants. It holds no session
// state.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string) (Grant, error)
	SignIn(ctx context.Context, email, password string) (Grant, error)
	SignInFederated(ctx context.Context, acct FederatedAccount) (Grant, error)
	Resume(ctx context.Context, token string) (Grant, error)
}

// Provider is the session-scoped auth collaborator of the sync core.
type Provider interface {
	CurrentPrincipal() (Principal, bool)
	SignUp(ctx context.Context, email, password string) (Principal, error)
	SignIn(ctx context.Context, email, password string) (Principal, error)
	SignInFederated(ctx context.Context, acct FederatedAccount) (Principal, error)
	Resume(ctx context.Context, token string) (Principal, error)
	SignOut(ctx context.Context) error
}

// Session remembers the grant of the current sign-in.
type Session struct {
	auth Authenticator
	log  zerolog.Logger

	mu    sync.RWMutex
	grant *Grant
}

var _ Provider = (*Session)(nil)

func NewSession(a Authenticator, log zerolog.Logger) *Session {
	return &Session{auth: a, log: log.With().Str("component", "auth").Logger()}
}

func (s *Session) CurrentPrincipal() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grant == nil {
		return Principal{}, false
	}
	return s.grant.Principal, true
}

// Token returns the current session token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grant == nil {
		return ""
	}
	return s.grant.Token
}

func (s *Session) SignUp(ctx context.Context, email, password string) (Principal, error) {
	return s.adopt(s.auth.SignUp(ctx, email, password))
}

func (s *Session) SignIn(ctx context.Context, email, password string) (Principal, error) {
	return s.adopt(s.auth.SignIn(ctx, email, password))
}

func (s *Session) SignInFederated(ctx context.Context, acct FederatedAccount) (Principal, error) {
	return s.adopt(s.auth.SignInFederated(ctx, acct))
}

func (s *Session) Resume(ctx context.Context, token string) (Principal, error) {
	return s.adopt(s.auth.Resume(ctx, token))
}

func (s *Session) SignOut(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grant != nil {
		s.log.Info().Str("user_id", s.grant.Principal.ID).Msg("signed out")
	}
	s.grant = nil
	return nil
}

func (s *Session) adopt(g Grant, err error) (Principal, error) {
	if err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	s.grant = &g
	s.mu.Unlock()
	s.log.Info().Str("user_id", g.Principal.ID).Msg("signed in")
	return g.Principal, nil
}
