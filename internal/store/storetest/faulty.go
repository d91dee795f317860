package storetest

import (
	"context"
	"sync"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
)

// Operation names used by Faulty rules and call counters.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpAdd    = "add"
	OpUpdate = "update"
	OpQuery  = "query"
	OpWatch  = "watch"
)

type rule struct {
	op         string
	collection string
	id         string
	err        error
	stall      bool
	gate       chan struct{}
}

func (r rule) matches(op, collection, id string) bool {
	return r.op == op && (r.collection == "" || r.collection == collection) && (r.id == "" || r.id == id)
}

// Faulty wraps a store and fails or stalls selected calls. It also counts
// every call by operation.
type Faulty struct {
	store.Store

	mu    sync.Mutex
	rules []rule
	calls map[string]int
}

func NewFaulty(s store.Store) *Faulty {
	return &Faulty{Store: s, calls: map[string]int{}}
}

// FailOn makes op on collection/id return err. Empty collection or id match
// anything.
func (f *Faulty) FailOn(op, collection, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{op: op, collection: collection, id: id, err: err})
}

// StallOn makes op on collection/id block until its context is done.
func (f *Faulty) StallOn(op, collection, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{op: op, collection: collection, id: id, stall: true})
}

// HoldOn makes op on collection/id wait until release is called, then run
// normally. A call whose context ends first fails as unavailable.
func (f *Faulty) HoldOn(op, collection, id string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.rules = append(f.rules, rule{op: op, collection: collection, id: id, gate: gate})
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Reset drops every rule.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Calls reports how many times op was invoked.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Writes reports the number of set, add and update calls.
func (f *Faulty) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[OpSet] + f.calls[OpAdd] + f.calls[OpUpdate]
}

func (f *Faulty) check(ctx context.Context, op, collection, id string) error {
	f.mu.Lock()
	f.calls[op]++
	var hit *rule
	for i := range f.rules {
		if f.rules[i].matches(op, collection, id) {
			r := f.rules[i]
			hit = &r
			break
		}
	}
	f.mu.Unlock()
	if hit == nil {
		return nil
	}
	if hit.gate != nil {
		select {
		case <-hit.gate:
			return nil
		case <-ctx.Done():
			return chaterr.Unavailable(op, ctx.Err())
		}
	}
	if hit.stall {
		<-ctx.Done()
		return chaterr.Unavailable(op, ctx.Err())
	}
	return hit.err
}

func (f *Faulty) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if err := f.check(ctx, OpGet, collection, id); err != nil {
		return store.Document{}, err
	}
	return f.Store.Get(ctx, collection, id)
}

func (f *Faulty) Set(ctx context.Context, collection, id string, v any) error {
	if err := f.check(ctx, OpSet, collection, id); err != nil {
		return err
	}
	return f.Store.Set(ctx, collection, id, v)
}

func (f *Faulty) Add(ctx context.Context, collection string, v any) (string, error) {
	if err := f.check(ctx, OpAdd, collection, ""); err != nil {
		return "", err
	}
	return f.Store.Add(ctx, collection, v)
}

func (f *Faulty) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := f.check(ctx, OpUpdate, collection, id); err != nil {
		return err
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func (f *Faulty) Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error) {
	if err := f.check(ctx, OpQuery, collection, ""); err != nil {
		return nil, err
	}
	return f.Store.Query(ctx, collection, filters...)
}

func (f *Faulty) Watch(ctx context.Context, target store.Target, fn store.ChangeFunc) (store.Subscription, error) {
	if err := f.check(ctx, OpWatch, target.Collection, target.DocID); err != nil {
		return nil, err
	}
	return f.Store.Watch(ctx, target, fn)
}
