// Package identity keeps the signed-in user's profile record live.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/cell"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/metrics"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

// Status is the profile state of the current principal.
type Status int

const (
	StatusSignedOut Status = iota
	// StatusLoading means the first snapshot has not arrived yet.
	StatusLoading
	StatusProfileIncomplete
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusProfileIncomplete:
		return "profile_incomplete"
	case StatusReady:
		return "ready"
	default:
		return "signed_out"
	}
}

// State is what dependents observe. User always carries the principal id
// once signed in, even before a record exists.
type State struct {
	Principal auth.Principal
	User      models.User
	Present   bool
	Status    Status
}

// ProfileUpdate names the fields to change. Nil fields are left alone.
type ProfileUpdate struct {
	DisplayName *string
	PhoneNumber *string
	ImageURL    *string
	IconIndex   *int
}

// Resolver holds a live subscription on users/{principal}. Restarting it
// replaces the previous subscription.
type Resolver struct {
	st  store.Store
	log zerolog.Logger

	onFirst func(models.User)
	onError func(error)

	mu      sync.Mutex
	gen     uint64
	sub     store.Subscription
	fired   bool
	prefill models.User
	first   chan error
	state   *cell.Cell[State]
}

type Option func(*Resolver)

// OnFirstProfile registers fn to run once per session, the first time a
// present record is observed.
func OnFirstProfile(fn func(models.User)) Option {
	return func(r *Resolver) { r.onFirst = fn }
}

// OnError registers fn for errors delivered by the live subscription.
func OnError(fn func(error)) Option {
	return func(r *Resolver) { r.onError = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func New(st store.Store, opts ...Option) *Resolver {
	r := &Resolver{st: st, log: zerolog.Nop(), state: cell.New(State{})}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With().Str("component", "identity").Logger()
	return r
}

// State returns the read side of the resolver's state.
func (r *Resolver) State() cell.View[State] { return r.state }

// Resolve returns the current user record. Callers treat a record with
// Present false as an incomplete profile, not a failure.
func (r *Resolver) Resolve() (models.User, error) {
	s := r.state.Get()
	if s.Status == StatusSignedOut {
		return models.User{}, chaterr.ErrNotSignedIn
	}
	return s.User, nil
}

// Prefill sets profile fields, typically from a federated account, used by
// CompleteProfile when the caller leaves them blank.
func (r *Resolver) Prefill(u models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefill = u
}

// Start subscribes to the principal's record and waits for the first
// snapshot, or ctx.
func (r *Resolver) Start(ctx context.Context, p auth.Principal) (State, error) {
	if p.ID == "" {
		return State{}, chaterr.ErrNotSignedIn
	}

	r.mu.Lock()
	r.cancelLocked()
	r.gen++
	gen := r.gen
	r.fired = false
	first := make(chan error, 1)
	r.first = first
	r.state.Set(State{Principal: p, User: models.User{UserID: p.ID, Email: p.Email}, Status: StatusLoading})
	r.mu.Unlock()

	sub, err := r.st.Watch(ctx, store.DocTarget(models.UsersCollection, p.ID), func(s store.Snapshot, err error) {
		r.deliver(gen, p, s, err)
	})
	if err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.resetLocked()
		}
		r.mu.Unlock()
		return State{}, err
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		sub.Unsubscribe()
		return State{}, chaterr.ErrNotSignedIn
	}
	r.sub = sub
	metrics.ActiveListeners.WithLabelValues(metrics.KindProfile).Inc()
	r.mu.Unlock()

	select {
	case err := <-first:
		if err != nil {
			return State{}, err
		}
		return r.state.Get(), nil
	case <-ctx.Done():
		return State{}, chaterr.Unavailable("resolve profile", ctx.Err())
	}
}

func (r *Resolver) deliver(gen uint64, p auth.Principal, s store.Snapshot, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		metrics.StaleDeliveries.WithLabelValues(metrics.KindProfile).Inc()
		return
	}
	first := r.first
	r.first = nil
	if err != nil {
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("user_id", p.ID).Msg("profile subscription failed")
		if first != nil {
			first <- err
		} else if r.onError != nil {
			r.onError(err)
		}
		return
	}

	next := State{Principal: p, User: models.User{UserID: p.ID, Email: p.Email}, Status: StatusProfileIncomplete}
	if doc, ok := s.Document(); ok {
		var u models.User
		if derr := doc.Decode(&u); derr != nil {
			r.log.Warn().Err(derr).Str("user_id", p.ID).Msg("ignoring undecodable profile record")
			next.Present = true
			next.User = r.state.Get().User
		} else {
			u.UserID = p.ID
			next.User = u
			next.Present = true
		}
		if next.User.IsComplete() {
			next.Status = StatusReady
		}
	}
	r.state.Set(next)

	var hook func(models.User)
	if next.Present && !r.fired {
		r.fired = true
		hook = r.onFirst
	}
	r.mu.Unlock()

	if hook != nil {
		r.log.Debug().Str("user_id", p.ID).Msg("first profile observed")
		hook(next.User)
	}
	if first != nil {
		first <- nil
	}
}

// Stop cancels the subscription and resets the cached record. It is safe
// to call when not started.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.resetLocked()
}

func (r *Resolver) resetLocked() {
	r.cancelLocked()
	r.fired = false
	r.prefill = models.User{}
	if r.first != nil {
		r.first <- chaterr.ErrNotSignedIn
		r.first = nil
	}
	r.state.Set(State{})
}

func (r *Resolver) cancelLocked() {
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
		metrics.ActiveListeners.WithLabelValues(metrics.KindProfile).Dec()
	}
}

// CompleteProfile writes the principal's record with a display name and
// phone number. Blank name falls back to the prefilled one.
func (r *Resolver) CompleteProfile(ctx context.Context, displayName, phone string) (models.User, error) {
	const op = "complete profile"
	s := r.state.Get()
	if s.Status == StatusSignedOut {
		return models.User{}, chaterr.ErrNotSignedIn
	}

	r.mu.Lock()
	prefill := r.prefill
	r.mu.Unlock()

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = strings.TrimSpace(prefill.DisplayName)
	}
	if displayName == "" {
		return models.User{}, chaterr.Validation(op, "display name is required")
	}
	if !models.IsDigits(phone) {
		return models.User{}, chaterr.Validation(op, "phone number must contain only digits")
	}
	if err := r.checkPhoneFree(ctx, op, s.Principal.ID, phone); err != nil {
		return models.User{}, err
	}

	u := s.User
	u.UserID = s.Principal.ID
	u.DisplayName = displayName
	u.PhoneNumber = phone
	if u.Email == "" {
		u.Email = s.Principal.Email
	}
	if u.ImageURL == "" {
		u.ImageURL = prefill.ImageURL
	}
	if !s.Present {
		u.IconIndex = models.IconForUser(u.UserID)
	}
	if err := r.st.Set(ctx, models.UsersCollection, u.UserID, u); err != nil {
		return models.User{}, err
	}
	r.log.Info().Str("user_id", u.UserID).Msg("profile completed")
	return u, nil
}

// UpdateProfile merges the given fields into an existing record.
func (r *Resolver) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	const op = "update profile"
	s := r.state.Get()
	if s.Status == StatusSignedOut {
		return chaterr.ErrNotSignedIn
	}
	if !s.Present {
		return chaterr.Validation(op, "complete your profile first")
	}

	fields := map[string]any{}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return chaterr.Validation(op, "display name is required")
		}
		fields["displayName"] = name
	}
	if upd.PhoneNumber != nil {
		if !models.IsDigits(*upd.PhoneNumber) {
			return chaterr.Validation(op, "phone number must contain only digits")
		}
		if *upd.PhoneNumber != s.User.PhoneNumber {
			if err := r.checkPhoneFree(ctx, op, s.Principal.ID, *upd.PhoneNumber); err != nil {
				return err
			}
		}
		fields["phoneNumber"] = *upd.PhoneNumber
	}
	if upd.ImageURL != nil {
		fields["imageUrl"] = *upd.ImageURL
	}
	if upd.IconIndex != nil {
		if *upd.IconIndex < 0 || *upd.IconIndex >= models.IconCount {
			return chaterr.Validation(op, "unknown profile icon %d", *upd.IconIndex)
		}
		fields["profileIcon"] = *upd.IconIndex
	}
	if len(fields) == 0 {
		return nil
	}

	err := r.st.Update(ctx, models.UsersCollection, s.Principal.ID, fields)
	if errors.Is(err, store.ErrNoDocument) {
		return chaterr.Validation(op, "complete your profile first")
	}
	return err
}

// checkPhoneFree rejects a phone number already held by another user. The
// store does not enforce uniqueness, so two users racing for the same
// number can both succeed.
func (r *Resolver) checkPhoneFree(ctx context.Context, op, selfID, phone string) error {
	docs, err := r.st.Query(ctx, models.UsersCollection, store.Eq("phoneNumber", phone))
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.ID != selfID {
			return chaterr.New(chaterr.KindConflict, op, "phone number already in use")
		}
	}
	return nil
}
