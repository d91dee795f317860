// Package registry maintains the live, deduplicated conversation list of
// the signed-in user.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/cell"
	"github.com/pliu/chatsync/internal/metrics"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

// PeerPolicy chooses how the other member of a conversation is resolved.
type PeerPolicy int

const (
	// PeerFresh fetches the peer's current record for every row.
	PeerFresh PeerPolicy = iota
	// PeerSnapshot trusts the profile copied into the conversation and
	// only fetches when the copy is missing.
	PeerSnapshot
)

// ParsePeerPolicy maps a config value to a policy. Unknown values are fresh.
func ParsePeerPolicy(s string) PeerPolicy {
	if s == "snapshot" {
		return PeerSnapshot
	}
	return PeerFresh
}

// Registry holds at most one live query. Subscribe replaces any previous
// one; nothing from a replaced query reaches readers.
type Registry struct {
	st      store.Store
	log     zerolog.Logger
	policy  PeerPolicy
	timeout time.Duration
	onError func(error)

	mu      sync.Mutex
	gen     uint64
	self    string
	sub     store.Subscription
	cancel  context.CancelFunc
	batch   uint64
	applied uint64
	out     *cell.Cell[[]models.ConversationView]
}

type Option func(*Registry)

func WithPeerPolicy(p PeerPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithPeerTimeout bounds each peer fetch.
func WithPeerTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// OnError registers fn for errors delivered by the live query.
func OnError(fn func(error)) Option {
	return func(r *Registry) { r.onError = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		st:      st,
		log:     zerolog.Nop(),
		timeout: 5 * time.Second,
		out:     cell.New[[]models.ConversationView](nil),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With().Str("component", "registry").Logger()
	return r
}

// Conversations returns the read side of the list, newest first.
func (r *Registry) Conversations() cell.View[[]models.ConversationView] { return r.out }

// Subscribed reports the user the live query is for, or "".
func (r *Registry) Subscribed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Subscribe starts the live query for selfID, replacing any previous one.
func (r *Registry) Subscribe(ctx context.Context, selfID string) error {
	r.mu.Lock()
	r.teardownLocked()
	r.gen++
	gen := r.gen
	r.self = selfID
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	target := store.QueryTarget(models.ChatsCollection, store.ArrayContains("memberIds", selfID))
	sub, err := r.st.Watch(ctx, target, func(s store.Snapshot, err error) {
		r.deliver(runCtx, gen, selfID, s, err)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.gen == gen {
			r.teardownLocked()
			r.self = ""
		}
		return err
	}
	if r.gen != gen {
		sub.Unsubscribe()
		return nil
	}
	r.sub = sub
	metrics.ActiveListeners.WithLabelValues(metrics.KindConversations).Inc()
	r.log.Debug().Str("user_id", selfID).Uint64("gen", gen).Msg("conversation query started")
	return nil
}

// Unsubscribe stops the live query and clears the list. It is safe to call
// at any time.
func (r *Registry) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.teardownLocked()
	r.self = ""
	r.out.Set(nil)
}

func (r *Registry) teardownLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
		metrics.ActiveListeners.WithLabelValues(metrics.KindConversations).Dec()
	}
}

func (r *Registry) deliver(ctx context.Context, gen uint64, selfID string, s store.Snapshot, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		metrics.StaleDeliveries.WithLabelValues(metrics.KindConversations).Inc()
		return
	}
	if err != nil {
		// A failed query is over. The list keeps its last value until the
		// caller subscribes again.
		r.gen++
		r.teardownLocked()
		r.self = ""
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("user_id", selfID).Msg("conversation query failed")
		if r.onError != nil {
			r.onError(err)
		}
		return
	}
	r.batch++
	batch := r.batch
	r.mu.Unlock()

	go r.resolve(ctx, gen, batch, selfID, s.Docs)
}

type row struct {
	conv models.Conversation
	peer string
	seq  int64
}

type resolved struct {
	index  int
	user   models.User
	source models.PeerSource
}

// resolve turns one batch into views. Every row's peer lookup reports on
// results; the batch is published only when the counter reaches zero.
func (r *Registry) resolve(ctx context.Context, gen, batch uint64, selfID string, docs []store.Document) {
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		var c models.Conversation
		if err := d.Decode(&c); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", d.ID).Msg("dropping undecodable conversation")
			continue
		}
		c.ID = d.ID
		peer := c.Peer(selfID)
		if peer == "" {
			r.log.Warn().Str("conversation_id", d.ID).Msg("dropping conversation with invalid members")
			continue
		}
		rows = append(rows, row{conv: c, peer: peer, seq: d.Seq})
	}

	results := make(chan resolved, len(rows))
	for i, rw := range rows {
		go func(i int, rw row) {
			u, src := r.resolvePeer(ctx, rw)
			results <- resolved{index: i, user: u, source: src}
		}(i, rw)
	}

	views := make([]models.ConversationView, len(rows))
	for pending := len(rows); pending > 0; pending-- {
		res := <-results
		views[res.index] = models.ConversationView{
			Conversation: rows[res.index].conv,
			Peer:         res.user,
			PeerSource:   res.source,
		}
	}

	seqs := make(map[string]int64, len(rows))
	for _, rw := range rows {
		seqs[rw.conv.ID] = rw.seq
	}
	r.apply(gen, batch, order(views, seqs))
}

func (r *Registry) resolvePeer(ctx context.Context, rw row) (models.User, models.PeerSource) {
	if r.policy == PeerSnapshot {
		if u, ok := rw.conv.Members[rw.peer]; ok && u.DisplayName != "" {
			u.UserID = rw.peer
			return u, models.PeerSnapshot
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	doc, err := r.st.Get(fetchCtx, models.UsersCollection, rw.peer)
	if err == nil {
		var u models.User
		if err = doc.Decode(&u); err == nil {
			u.UserID = rw.peer
			return u, models.PeerFresh
		}
	}
	if ctx.Err() == nil {
		ev := r.log.Warn()
		if errors.Is(err, store.ErrNoDocument) {
			ev = r.log.Info()
		}
		ev.Err(err).Str("conversation_id", rw.conv.ID).Str("peer_id", rw.peer).Msg("peer unresolved, using placeholder")
		metrics.PeerFallbacks.Inc()
	}
	return models.UnknownUser(rw.peer), models.PeerPlaceholder
}

// order keeps the oldest conversation per member pair and sorts newest
// first. Ties fall back to commit order, then id.
func order(views []models.ConversationView, seqs map[string]int64) []models.ConversationView {
	older := func(a, b models.ConversationView) bool {
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if seqs[a.ID] != seqs[b.ID] {
			return seqs[a.ID] < seqs[b.ID]
		}
		return a.ID < b.ID
	}

	byPair := make(map[string]int, len(views))
	out := make([]models.ConversationView, 0, len(views))
	for _, v := range views {
		key := v.PairKey()
		if i, ok := byPair[key]; ok {
			if older(v, out[i]) {
				out[i] = v
			}
			continue
		}
		byPair[key] = len(out)
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool { return older(out[j], out[i]) })
	return out
}

func (r *Registry) apply(gen, batch uint64, views []models.ConversationView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || batch <= r.applied {
		metrics.StaleDeliveries.WithLabelValues(metrics.KindConversations).Inc()
		return
	}
	r.applied = batch
	r.out.Set(views)
	metrics.Emissions.WithLabelValues(metrics.KindConversations).Inc()
	r.log.Debug().Uint64("batch", batch).Int("rows", len(views)).Msg("conversation list updated")
}
