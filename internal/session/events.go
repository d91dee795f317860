package session

import (
	"sync"
	"time"

	"github.com/pliu/chatsync/internal/chaterr"
)

// Event is one reported failure.
type Event struct {
	Seq     uint64
	Kind    chaterr.Kind
	Message string
	Err     error
	At      time.Time
}

// Events queues failures until a reader drains them. Each occurrence is
// handed out exactly once.
type Events struct {
	mu     sync.Mutex
	seq    uint64
	queue  []Event
	notify chan struct{}
	clock  func() time.Time
}

func newEvents(clock func() time.Time) *Events {
	return &Events{notify: make(chan struct{}, 1), clock: clock}
}

func (e *Events) publish(err error) {
	e.mu.Lock()
	e.seq++
	e.queue = append(e.queue, Event{
		Seq:     e.seq,
		Kind:    chaterr.KindOf(err),
		Message: chaterr.Message(err),
		Err:     err,
		At:      e.clock(),
	})
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Drain returns and forgets every queued event, oldest first.
func (e *Events) Drain() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

// Notify is signalled after events are published.
func (e *Events) Notify() <-chan struct{} { return e.notify }
