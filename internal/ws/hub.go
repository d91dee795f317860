// Package ws fans document changes out to watchers and carries the store
// protocol over websocket connections.
package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
)

var errHubClosed = errors.New("change feed closed")

// Change announces a committed write to collection/DocID.
type Change struct {
	Collection string
	DocID      string
}

// LoadFunc reads the current result of a target.
type LoadFunc func(ctx context.Context, t store.Target) (store.Snapshot, error)

// Hub tracks watchers and wakes the ones a change may affect. Each watcher
// re-reads its target through the hub's LoadFunc, so a burst of changes
// collapses into a single delivery of the latest state.
type Hub struct {
	// Registered watchers.
	watchers map[*Watcher]bool

	// Committed writes from the store.
	broadcast chan Change

	// Register requests from Watch.
	register chan *Watcher

	// Unregister requests from Unsubscribe.
	unregister chan *Watcher

	done      chan struct{}
	closeOnce sync.Once

	load LoadFunc
	log  zerolog.Logger
}

func NewHub(load LoadFunc, log zerolog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan Change),
		register:   make(chan *Watcher),
		unregister: make(chan *Watcher),
		watchers:   make(map[*Watcher]bool),
		done:       make(chan struct{}),
		load:       load,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case w := <-h.register:
			h.watchers[w] = true
			w.wake()
		case w := <-h.unregister:
			delete(h.watchers, w)
		case c := <-h.broadcast:
			for w := range h.watchers {
				if w.target.Affects(c.Collection, c.DocID) {
					w.wake()
				}
			}
		case <-h.done:
			for w := range h.watchers {
				w.halt()
				delete(h.watchers, w)
			}
			return
		}
	}
}

// Close stops the hub. Watchers stop receiving callbacks.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish announces a committed write. It is a no-op after Close.
func (h *Hub) Publish(c Change) {
	select {
	case h.broadcast <- c:
	case <-h.done:
	}
}

// Watch registers fn for target. The current result is delivered first.
func (h *Hub) Watch(target store.Target, fn store.ChangeFunc) (*Watcher, error) {
	select {
	case <-h.done:
		return nil, chaterr.Unavailable("watch", errHubClosed)
	default:
	}
	w := &Watcher{
		hub:    h,
		target: target,
		fn:     fn,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go w.loop()
	select {
	case h.register <- w:
		h.log.Debug().Str("target", target.String()).Msg("watcher registered")
		return w, nil
	case <-h.done:
		w.halt()
		return nil, chaterr.Unavailable("watch", errHubClosed)
	}
}

// Watcher is a single registration on a Hub.
type Watcher struct {
	hub    *Hub
	target store.Target
	fn     store.ChangeFunc
	kick   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func (w *Watcher) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) halt() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Unsubscribe implements store.Subscription.
func (w *Watcher) Unsubscribe() {
	if w.stopped() {
		return
	}
	w.halt()
	select {
	case w.hub.unregister <- w:
	case <-w.hub.done:
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
		}
		snap, err := w.hub.load(context.Background(), w.target)
		if w.stopped() {
			return
		}
		w.fn(snap, err)
	}
}
