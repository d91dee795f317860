// Package stream keeps the message list of one open conversation live.
package stream

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/cell"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/metrics"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

// Stream holds at most one live message query.
type Stream struct {
	st      store.Store
	log     zerolog.Logger
	clock   func() time.Time
	onError func(error)

	mu     sync.Mutex
	gen    uint64
	convID string
	sub    store.Subscription
	out    *cell.Cell[[]models.Message]
}

type Option func(*Stream)

func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.clock = now }
}

// OnError registers fn for errors delivered by the live query.
func OnError(fn func(error)) Option {
	return func(s *Stream) { s.onError = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Stream) { s.log = log }
}

func New(st store.Store, opts ...Option) *Stream {
	s := &Stream{st: st, log: zerolog.Nop(), clock: time.Now, out: cell.New[[]models.Message](nil)}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "stream").Logger()
	return s
}

// Messages returns the read side of the list, oldest first.
func (s *Stream) Messages() cell.View[[]models.Message] { return s.out }

// Active returns the subscribed conversation id and whether there is one.
func (s *Stream) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID, s.convID != ""
}

// Subscribe opens the live query for conversationID, replacing any
// previous one.
func (s *Stream) Subscribe(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return chaterr.Validation("open conversation", "conversation id is required")
	}

	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.convID = conversationID
	s.out.Set(nil)
	s.mu.Unlock()

	sub, err := s.st.Watch(ctx, store.QueryTarget(models.MessagesCollection(conversationID)), func(snap store.Snapshot, err error) {
		s.deliver(gen, conversationID, snap, err)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.gen == gen {
			s.convID = ""
		}
		return err
	}
	if s.gen != gen {
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	metrics.ActiveListeners.WithLabelValues(metrics.KindMessages).Inc()
	s.log.Debug().Str("conversation_id", conversationID).Uint64("gen", gen).Msg("message query started")
	return nil
}

// Unsubscribe stops the live query and clears the list. Callbacks that
// arrive afterwards have no effect. It is safe to call at any time.
func (s *Stream) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.teardownLocked()
	s.convID = ""
	s.out.Set(nil)
}

func (s *Stream) teardownLocked() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
		metrics.ActiveListeners.WithLabelValues(metrics.KindMessages).Dec()
	}
}

func (s *Stream) deliver(gen uint64, convID string, snap store.Snapshot, err error) {
	if err != nil {
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			metrics.StaleDeliveries.WithLabelValues(metrics.KindMessages).Inc()
			return
		}
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("message query failed")
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	msgs := make([]models.Message, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		var m models.Message
		if derr := d.Decode(&m); derr != nil {
			s.log.Warn().Err(derr).Str("conversation_id", convID).Str("message_id", d.ID).Msg("dropping undecodable message")
			continue
		}
		m.ID = d.ID
		m.Seq = d.Seq
		msgs = append(msgs, m)
	}
	// Documents arrive in commit order; a stable sort keeps it for equal
	// timestamps.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt < msgs[j].SentAt })

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		metrics.StaleDeliveries.WithLabelValues(metrics.KindMessages).Inc()
		return
	}
	s.out.Set(msgs)
	metrics.Emissions.WithLabelValues(metrics.KindMessages).Inc()
}

// Send appends a message from senderID. Blank bodies are rejected before
// any store call; others are stored as given. The sender must be a member
// of the conversation.
func (s *Stream) Send(ctx context.Context, conversationID, senderID, body string) (models.Message, error) {
	const op = "send"
	if strings.TrimSpace(body) == "" {
		metrics.RejectedSends.WithLabelValues("empty").Inc()
		return models.Message{}, chaterr.Validation(op, "message is empty")
	}
	if conversationID == "" || senderID == "" {
		metrics.RejectedSends.WithLabelValues("unaddressed").Inc()
		return models.Message{}, chaterr.Validation(op, "conversation and sender are required")
	}

	doc, err := s.st.Get(ctx, models.ChatsCollection, conversationID)
	if errors.Is(err, store.ErrNoDocument) {
		return models.Message{}, chaterr.NotFound(op, "conversation %s does not exist", conversationID)
	}
	if err != nil {
		return models.Message{}, err
	}
	var conv models.Conversation
	if err := doc.Decode(&conv); err != nil {
		return models.Message{}, chaterr.Wrap(chaterr.KindStoreUnavailable, op, err)
	}
	if !conv.HasMember(senderID) {
		metrics.RejectedSends.WithLabelValues("not_member").Inc()
		return models.Message{}, chaterr.Permission(op, "not a member of this conversation")
	}

	msg := models.Message{SenderID: senderID, Body: body, SentAt: s.clock().UnixMilli()}
	id, err := s.st.Add(ctx, models.MessagesCollection(conversationID), msg)
	if err != nil {
		return models.Message{}, err
	}
	msg.ID = id
	return msg, nil
}
