// Package matcher finds or creates the conversation between two users.
//
// Pair uniqueness is checked client-side by reading before writing. The
// store enforces nothing, so two clients creating the same pair at the same
// moment can both write a row. The registry hides the duplicate by keeping
// the oldest conversation per pair.
package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type Matcher struct {
	st    store.Store
	log   zerolog.Logger
	clock func() time.Time
}

type Option func(*Matcher)

func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.clock = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Matcher) { m.log = log }
}

func New(st store.Store, opts ...Option) *Matcher {
	m := &Matcher{st: st, log: zerolog.Nop(), clock: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "matcher").Logger()
	return m
}

// ValidateLookupKey checks a phone lookup key without touching the store.
func ValidateLookupKey(key string) error {
	if key == "" {
		return chaterr.Validation("start conversation", "phone number is required")
	}
	if !models.IsDigits(key) {
		return chaterr.Validation("start conversation", "phone number must contain only digits")
	}
	return nil
}

// CreateOrGet returns the conversation between selfID and the user whose
// phone number is lookupKey, creating it if none exists. When one already
// exists it is returned together with an error matching chaterr.ErrConflict.
func (m *Matcher) CreateOrGet(ctx context.Context, selfID, lookupKey string) (models.Conversation, error) {
	const op = "start conversation"
	if selfID == "" {
		return models.Conversation{}, chaterr.ErrNotSignedIn
	}
	if err := ValidateLookupKey(lookupKey); err != nil {
		return models.Conversation{}, err
	}

	target, err := m.resolveTarget(ctx, op, lookupKey)
	if err != nil {
		return models.Conversation{}, err
	}
	if target.UserID == selfID {
		return models.Conversation{}, chaterr.ErrSelfPairing
	}

	existing, found, err := m.findPair(ctx, op, selfID, target.UserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if found {
		m.log.Debug().Str("conversation_id", existing.ID).Msg("conversation already exists")
		return existing, chaterr.New(chaterr.KindConflict, op, "conversation already exists")
	}

	self, err := m.selfSnapshot(ctx, selfID)
	if err != nil {
		return models.Conversation{}, err
	}

	conv := models.Conversation{
		MemberIDs: []string{selfID, target.UserID},
		CreatedAt: m.clock().UnixMilli(),
		Members: map[string]models.User{
			selfID:        self,
			target.UserID: target,
		},
	}
	id, err := m.st.Add(ctx, models.ChatsCollection, conv)
	if err != nil {
		return models.Conversation{}, err
	}
	conv.ID = id
	m.log.Info().Str("conversation_id", id).Str("user_id", selfID).Str("peer_id", target.UserID).Msg("conversation created")
	return conv, nil
}

// resolveTarget returns the user holding lookupKey. Phone numbers are not
// unique in the store; the earliest record wins.
func (m *Matcher) resolveTarget(ctx context.Context, op, lookupKey string) (models.User, error) {
	docs, err := m.st.Query(ctx, models.UsersCollection, store.Eq("phoneNumber", lookupKey))
	if err != nil {
		return models.User{}, err
	}
	for _, d := range docs {
		var u models.User
		if err := d.Decode(&u); err != nil {
			m.log.Warn().Err(err).Str("doc_id", d.ID).Msg("skipping undecodable user")
			continue
		}
		u.UserID = d.ID
		return u, nil
	}
	return models.User{}, chaterr.NotFound(op, "no user with phone number %s", lookupKey)
}

func (m *Matcher) findPair(ctx context.Context, op, selfID, targetID string) (models.Conversation, bool, error) {
	docs, err := m.st.Query(ctx, models.ChatsCollection, store.ArrayContains("memberIds", selfID))
	if err != nil {
		return models.Conversation{}, false, err
	}
	for _, d := range docs {
		var c models.Conversation
		if err := d.Decode(&c); err != nil {
			m.log.Warn().Err(err).Str("doc_id", d.ID).Msg("skipping undecodable conversation")
			continue
		}
		c.ID = d.ID
		if c.Peer(selfID) == targetID {
			return c, true, nil
		}
	}
	return models.Conversation{}, false, nil
}

func (m *Matcher) selfSnapshot(ctx context.Context, selfID string) (models.User, error) {
	doc, err := m.st.Get(ctx, models.UsersCollection, selfID)
	if errors.Is(err, store.ErrNoDocument) {
		return models.User{UserID: selfID}, nil
	}
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := doc.Decode(&u); err != nil {
		return models.User{UserID: selfID}, nil
	}
	u.UserID = selfID
	return u, nil
}
