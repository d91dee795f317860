package storetest

import (
	"context"
	"sync"

	"github.com/pliu/chatsync/internal/store"
)

// CapturedWatch is one Watch registration seen by Capturing.
type CapturedWatch struct {
	Target store.Target
	Fn     store.ChangeFunc

	sub          store.Subscription
	mu           sync.Mutex
	unsubscribed bool
}

func (c *CapturedWatch) Unsubscribe() {
	c.mu.Lock()
	c.unsubscribed = true
	c.mu.Unlock()
	c.sub.Unsubscribe()
}

// Active reports whether the registration has not been cancelled.
func (c *CapturedWatch) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unsubscribed
}

// Fire invokes the captured callback directly, as a late delivery from the
// store would.
func (c *CapturedWatch) Fire(s store.Snapshot, err error) {
	c.Fn(s, err)
}

// Capturing wraps a store and records every Watch so tests can inspect
// listener counts and replay callbacks after cancellation.
type Capturing struct {
	store.Store

	mu      sync.Mutex
	watches []*CapturedWatch
}

func NewCapturing(s store.Store) *Capturing {
	return &Capturing{Store: s}
}

func (c *Capturing) Watch(ctx context.Context, target store.Target, fn store.ChangeFunc) (store.Subscription, error) {
	sub, err := c.Store.Watch(ctx, target, fn)
	if err != nil {
		return nil, err
	}
	cw := &CapturedWatch{Target: target, Fn: fn, sub: sub}
	c.mu.Lock()
	c.watches = append(c.watches, cw)
	c.mu.Unlock()
	return cw, nil
}

// Watches returns every registration in the order they were made.
func (c *Capturing) Watches() []*CapturedWatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CapturedWatch(nil), c.watches...)
}

// ActiveOn counts live registrations on collection.
func (c *Capturing) ActiveOn(collection string) int {
	n := 0
	for _, w := range c.Watches() {
		if w.Target.Collection == collection && w.Active() {
			n++
		}
	}
	return n
}

// Last returns the most recent registration on collection, or nil.
func (c *Capturing) Last(collection string) *CapturedWatch {
	ws := c.Watches()
	for i := len(ws) - 1; i >= 0; i-- {
		if ws[i].Target.Collection == collection {
			return ws[i]
		}
	}
	return nil
}
