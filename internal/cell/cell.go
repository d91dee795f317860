// Package cell holds a value owned by one writer and read by many.
package cell

import "sync"

// View is the read side of a Cell.
type View[T any] interface {
	Get() T
	// Watch returns a channel that always holds the latest value not yet
	// received, and a func that stops the watch.
	Watch() (<-chan T, func())
}

// Cell stores a value and notifies watchers on every Set. Slow watchers
// only ever see the most recent value.
type Cell[T any] struct {
	mu       sync.RWMutex
	v        T
	watchers map[chan T]struct{}
}

func New[T any](initial T) *Cell[T] {
	return &Cell[T]{v: initial, watchers: map[chan T]struct{}{}}
}

func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (c *Cell[T]) Watch() (<-chan T, func()) {
	ch := make(chan T, 1)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			c.mu.Unlock()
		})
	}
}
