// Package session owns the signed-in session: authentication, the profile
// subscription, the conversation list and the open message stream.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/cell"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/matcher"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/registry"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/stream"
)

type State int

const (
	StateSignedOut State = iota
	StateAuthenticating
	StateProfileIncomplete
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateProfileIncomplete:
		return "profile_incomplete"
	case StateActive:
		return "active"
	default:
		return "signed_out"
	}
}

// SignUpInput is everything needed to create an account and its profile.
type SignUpInput struct {
	Email       string
	Password    string
	DisplayName string
	PhoneNumber string
}

type options struct {
	log         zerolog.Logger
	clock       func() time.Time
	opTimeout   time.Duration
	peerPolicy  registry.PeerPolicy
	peerTimeout time.Duration
}

type Option func(*options)

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithOpTimeout bounds each operation that reaches the network.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

func WithPeerPolicy(p registry.PeerPolicy) Option {
	return func(o *options) { o.peerPolicy = p }
}

func WithPeerTimeout(d time.Duration) Option {
	return func(o *options) { o.peerTimeout = d }
}

// Session is the single controller of one user's session. Teardown runs
// in a fixed order: message stream, conversation list, profile, auth.
type Session struct {
	auth     auth.Provider
	resolver *identity.Resolver
	matcher  *matcher.Matcher
	registry *registry.Registry
	stream   *stream.Stream
	events   *Events

	log       zerolog.Logger
	opTimeout time.Duration

	// mu serializes lifecycle transitions and the start of live queries.
	mu    sync.Mutex
	epoch uint64
	state *cell.Cell[State]
}

func New(st store.Store, provider auth.Provider, opts ...Option) *Session {
	o := options{log: zerolog.Nop(), clock: time.Now, opTimeout: 15 * time.Second, peerTimeout: 5 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Session{
		auth:      provider,
		events:    newEvents(o.clock),
		log:       o.log.With().Str("component", "session").Logger(),
		opTimeout: o.opTimeout,
		state:     cell.New(StateSignedOut),
	}
	s.resolver = identity.New(st,
		identity.WithLogger(o.log),
		identity.OnFirstProfile(s.onFirstProfile),
		identity.OnError(s.onLiveError),
	)
	s.matcher = matcher.New(st, matcher.WithLogger(o.log), matcher.WithClock(o.clock))
	s.registry = registry.New(st,
		registry.WithLogger(o.log),
		registry.WithPeerPolicy(o.peerPolicy),
		registry.WithPeerTimeout(o.peerTimeout),
		registry.OnError(s.onLiveError),
	)
	s.stream = stream.New(st,
		stream.WithLogger(o.log),
		stream.WithClock(o.clock),
		stream.OnError(s.onLiveError),
	)
	return s
}

func (s *Session) State() cell.View[State] { return s.state }
func (s *Session) Profile() cell.View[identity.State] { return s.resolver.State() }
func (s *Session) Conversations() cell.View[[]models.ConversationView] { return s.registry.Conversations() }
func (s *Session) Messages() cell.View[[]models.Message] { return s.stream.Messages() }
func (s *Session) Events() *Events { return s.events }

// ActiveConversation returns the open conversation id, if any.
func (s *Session) ActiveConversation() (string, bool) { return s.stream.Active() }

func (s *Session) SignUp(ctx context.Context, in SignUpInput) error {
	const op = "sign up"
	switch {
	case strings.TrimSpace(in.Email) == "" || in.Password == "":
		return s.fail(chaterr.Validation(op, "email and password are required"))
	case strings.TrimSpace(in.DisplayName) == "":
		return s.fail(chaterr.Validation(op, "display name is required"))
	case !models.IsDigits(in.PhoneNumber):
		return s.fail(chaterr.Validation(op, "phone number must contain only digits"))
	}

	err := s.authenticate(ctx, op, func(ctx context.Context) (auth.Principal, error) {
		return s.auth.SignUp(ctx, in.Email, in.Password)
	})
	if err != nil {
		return err
	}
	return s.CompleteProfile(ctx, in.DisplayName, in.PhoneNumber)
}

func (s *Session) SignIn(ctx context.Context, email, password string) error {
	const op = "sign in"
	if strings.TrimSpace(email) == "" || password == "" {
		return s.fail(chaterr.Validation(op, "email and password are required"))
	}
	return s.authenticate(ctx, op, func(ctx context.Context) (auth.Principal, error) {
		return s.auth.SignIn(ctx, email, password)
	})
}

// SignInFederated signs in with an external account. Its name and photo
// pre-fill the profile if the user has none yet.
func (s *Session) SignInFederated(ctx context.Context, acct auth.FederatedAccount) error {
	return s.authenticate(ctx, "federated sign in", func(ctx context.Context) (auth.Principal, error) {
		p, err := s.auth.SignInFederated(ctx, acct)
		if err == nil {
			s.resolver.Prefill(models.User{DisplayName: acct.DisplayName, Email: acct.Email, ImageURL: acct.PhotoRef})
		}
		return p, err
	})
}

// Resume restores a session from a previously issued token.
func (s *Session) Resume(ctx context.Context, token string) error {
	const op = "resume"
	if token == "" {
		return s.fail(chaterr.Validation(op, "token is required"))
	}
	return s.authenticate(ctx, op, func(ctx context.Context) (auth.Principal, error) {
		return s.auth.Resume(ctx, token)
	})
}

func (s *Session) authenticate(ctx context.Context, op string, signIn func(context.Context) (auth.Principal, error)) error {
	s.mu.Lock()
	if cur := s.state.Get(); cur != StateSignedOut {
		s.mu.Unlock()
		return s.fail(chaterr.Validation(op, "already %s", cur))
	}
	s.epoch++
	epoch := s.epoch
	s.state.Set(StateAuthenticating)
	s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := signIn(ctx)
	if err != nil {
		s.abort(epoch)
		return s.fail(err)
	}
	prof, err := s.resolver.Start(ctx, p)
	if err != nil {
		s.abort(epoch)
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return chaterr.ErrNotSignedIn
	}
	if s.state.Get() == StateAuthenticating {
		if prof.Present {
			s.state.Set(StateActive)
		} else {
			s.state.Set(StateProfileIncomplete)
		}
	}
	s.log.Info().Str("user_id", p.ID).Str("state", s.state.Get().String()).Msg("signed in")
	return nil
}

func (s *Session) abort(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.teardownLocked(context.Background())
	}
}

// onFirstProfile starts the conversation list once per session. If the
// list cannot start the session still becomes active and the failure is
// reported; ReloadConversations retries it.
func (s *Session) onFirstProfile(u models.User) {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.state.Get()
	if cur == StateSignedOut {
		return
	}
	if err := s.registry.Subscribe(ctx, u.UserID); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.UserID).Msg("conversation list unavailable")
		s.events.publish(err)
		if chaterr.KindOf(err) == chaterr.KindAuth {
			s.log.Warn().Stack().Err(err).Msg("session invalidated")
			s.teardownLocked(context.Background())
			return
		}
	}
	if cur == StateProfileIncomplete {
		s.state.Set(StateActive)
	}
}

func (s *Session) onLiveError(err error) {
	if chaterr.KindOf(err) == chaterr.KindAuth {
		s.mu.Lock()
		if s.state.Get() != StateSignedOut {
			s.log.Warn().Stack().Err(err).Msg("session invalidated")
			s.teardownLocked(context.Background())
		}
		s.mu.Unlock()
	}
	s.events.publish(err)
}

// ReloadConversations restarts the conversation list, typically after its
// live query failed. A running list is replaced.
func (s *Session) ReloadConversations(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	self, err := s.requireActive()
	if err == nil {
		err = s.registry.Subscribe(ctx, self.UserID)
	}
	s.mu.Unlock()
	return s.fail(err)
}

func (s *Session) CompleteProfile(ctx context.Context, displayName, phone string) error {
	s.mu.Lock()
	cur, epoch := s.state.Get(), s.epoch
	s.mu.Unlock()
	if cur != StateProfileIncomplete && cur != StateActive {
		return s.fail(chaterr.ErrNotSignedIn)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.resolver.CompleteProfile(ctx, displayName, phone); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch && s.state.Get() == StateProfileIncomplete {
		s.state.Set(StateActive)
	}
	return nil
}

func (s *Session) UpdateProfile(ctx context.Context, upd identity.ProfileUpdate) error {
	if _, err := s.requireActive(); err != nil {
		return s.fail(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.fail(s.resolver.UpdateProfile(ctx, upd))
}

// StartConversation finds or creates the conversation with the user whose
// phone number is phone. An existing conversation comes back together with
// an error matching chaterr.ErrConflict.
func (s *Session) StartConversation(ctx context.Context, phone string) (models.Conversation, error) {
	self, err := s.requireActive()
	if err != nil {
		return models.Conversation{}, s.fail(err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	conv, err := s.matcher.CreateOrGet(ctx, self.UserID, phone)
	return conv, s.fail(err)
}

// OpenConversation points the message stream at conversationID.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Sign-out cannot run between the state check and the subscribe.
	s.mu.Lock()
	_, err := s.requireActive()
	if err == nil {
		err = s.stream.Subscribe(ctx, conversationID)
	}
	s.mu.Unlock()
	return s.fail(err)
}

// CloseConversation stops the message stream. It is safe to call when no
// conversation is open.
func (s *Session) CloseConversation() {
	s.stream.Unsubscribe()
}

// Send posts body to the open conversation.
func (s *Session) Send(ctx context.Context, body string) (models.Message, error) {
	self, err := s.requireActive()
	if err != nil {
		return models.Message{}, s.fail(err)
	}
	convID, ok := s.stream.Active()
	if !ok {
		return models.Message{}, s.fail(chaterr.Validation("send", "no conversation is open"))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	msg, err := s.stream.Send(ctx, convID, self.UserID, body)
	return msg, s.fail(err)
}

// SignOut tears the session down before returning. It is safe to call when
// already signed out.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked(ctx)
}

func (s *Session) teardownLocked(ctx context.Context) error {
	s.epoch++
	s.stream.Unsubscribe()
	s.registry.Unsubscribe()
	s.resolver.Stop()
	err := s.auth.SignOut(ctx)
	s.state.Set(StateSignedOut)
	return err
}

func (s *Session) requireActive() (models.User, error) {
	switch s.state.Get() {
	case StateActive:
		return s.resolver.Resolve()
	case StateProfileIncomplete:
		return models.User{}, chaterr.Validation("", "complete your profile first")
	default:
		return models.User{}, chaterr.ErrNotSignedIn
	}
}

// fail publishes err once and forces sign-out on auth failures. It returns
// err unchanged.
func (s *Session) fail(err error) error {
	if err == nil {
		return nil
	}
	if chaterr.KindOf(err) == chaterr.KindAuth {
		s.mu.Lock()
		if s.state.Get() != StateSignedOut {
			s.log.Warn().Stack().Err(err).Msg("session invalidated")
			s.teardownLocked(context.Background())
		}
		s.mu.Unlock()
	}
	s.events.publish(err)
	return err
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
