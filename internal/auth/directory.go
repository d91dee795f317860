package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
)

// Collections private to the directory.
const (
	CredentialsCollection = "credentials"
	FederatedCollection   = "federated"
)

// MinPasswordLength is the shortest password SignUp accepts.
const MinPasswordLength = 6

type credential struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

type federatedLink struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Directory is an Authenticator that keeps bcrypt credentials in the
// document store and signs its own tokens.
type Directory struct {
	st     store.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

var _ Authenticator = (*Directory)(nil)

type DirectoryOption func(*Directory)

// WithTokenTTL sets how long issued tokens stay valid. Zero never expires.
func WithTokenTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) { d.ttl = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

func WithLogger(log zerolog.Logger) DirectoryOption {
	return func(d *Directory) { d.log = log }
}

func NewDirectory(st store.Store, secret []byte, opts ...DirectoryOption) *Directory {
	d := &Directory{st: st, secret: secret, ttl: 30 * 24 * time.Hour, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With().Str("component", "directory").Logger()
	return d
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " /")
}

func (d *Directory) SignUp(ctx context.Context, email, password string) (Grant, error) {
	const op = "sign up"
	email = normalizeEmail(email)
	if !validEmail(email) {
		return Grant{}, chaterr.Validation(op, "invalid email address")
	}
	if len(password) < MinPasswordLength {
		return Grant{}, chaterr.Validation(op, "password must be at least %d characters", MinPasswordLength)
	}

	_, err := d.st.Get(ctx, CredentialsCollection, email)
	if err == nil {
		return Grant{}, chaterr.New(chaterr.KindConflict, op, "email already registered")
	}
	if !errors.Is(err, store.ErrNoDocument) {
		return Grant{}, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Grant{}, err
	}

	userID, err := d.linkedUserID(ctx, FederatedCollection, email)
	if err != nil {
		return Grant{}, err
	}
	cred := credential{UserID: userID, Email: email, PasswordHash: string(hashed)}
	if err := d.st.Set(ctx, CredentialsCollection, email, cred); err != nil {
		return Grant{}, err
	}
	d.log.Info().Str("user_id", userID).Msg("account created")
	return d.issue(Principal{ID: userID, Email: email})
}

func (d *Directory) SignIn(ctx context.Context, email, password string) (Grant, error) {
	const op = "sign in"
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Grant{}, chaterr.Validation(op, "email and password are required")
	}

	doc, err := d.st.Get(ctx, CredentialsCollection, email)
	if errors.Is(err, store.ErrNoDocument) {
		return Grant{}, chaterr.New(chaterr.KindAuth, op, "invalid credentials")
	}
	if err != nil {
		return Grant{}, err
	}
	var cred credential
	if err := doc.Decode(&cred); err != nil {
		return Grant{}, chaterr.Wrap(chaterr.KindStoreUnavailable, op, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return Grant{}, chaterr.New(chaterr.KindAuth, op, "invalid credentials")
	}
	return d.issue(Principal{ID: cred.UserID, Email: email})
}

// SignInFederated trusts the external account. An email already known to
// the directory, by password or by an earlier federated sign-in, maps to the
// same principal.
func (d *Directory) SignInFederated(ctx context.Context, acct FederatedAccount) (Grant, error) {
	const op = "federated sign in"
	email := normalizeEmail(acct.Email)
	if !validEmail(email) {
		return Grant{}, chaterr.Validation(op, "federated account has no usable email")
	}

	doc, err := d.st.Get(ctx, FederatedCollection, email)
	if err == nil {
		var link federatedLink
		if err := doc.Decode(&link); err != nil {
			return Grant{}, chaterr.Wrap(chaterr.KindStoreUnavailable, op, err)
		}
		return d.issue(Principal{ID: link.UserID, Email: email})
	}
	if !errors.Is(err, store.ErrNoDocument) {
		return Grant{}, err
	}

	userID, err := d.linkedUserID(ctx, CredentialsCollection, email)
	if err != nil {
		return Grant{}, err
	}
	if err := d.st.Set(ctx, FederatedCollection, email, federatedLink{UserID: userID, Email: email}); err != nil {
		return Grant{}, err
	}
	return d.issue(Principal{ID: userID, Email: email})
}

func (d *Directory) Resume(_ context.Context, token string) (Grant, error) {
	claims, err := VerifyToken(d.secret, token, d.now())
	if err != nil {
		return Grant{}, chaterr.Wrap(chaterr.KindAuth, "resume", err)
	}
	return Grant{Principal: Principal{ID: claims.Subject, Email: claims.Email}, Token: token}, nil
}

// Verify returns the principal a token was issued for.
func (d *Directory) Verify(token string) (Principal, error) {
	g, err := d.Resume(context.Background(), token)
	return g.Principal, err
}

// linkedUserID returns the principal id already recorded for email in the
// other sign-in collection, or a new id.
func (d *Directory) linkedUserID(ctx context.Context, collection, email string) (string, error) {
	doc, err := d.st.Get(ctx, collection, email)
	if errors.Is(err, store.ErrNoDocument) {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", err
	}
	var link federatedLink
	if err := doc.Decode(&link); err != nil || link.UserID == "" {
		return uuid.NewString(), nil
	}
	return link.UserID, nil
}

func (d *Directory) issue(p Principal) (Grant, error) {
	c := Claims{Subject: p.ID, Email: p.Email}
	if d.ttl > 0 {
		c.ExpiresAt = d.now().Add(d.ttl).Unix()
	}
	token, err := SignToken(d.secret, c)
	if err != nil {
		return Grant{}, err
	}
	return Grant{Principal: p, Token: token}, nil
}
