// Package memstore is an in-memory document store with live watches.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/ws"
)

type record struct {
	data json.RawMessage
	seq  int64
}

// Store keeps documents in memory. The zero value is not usable; call New.
type Store struct {
	mu    sync.RWMutex
	seq   int64
	colls map[string]map[string]record
	hub   *ws.Hub
}

var _ store.Store = (*Store)(nil)

func New(log zerolog.Logger) *Store {
	s := &Store{colls: map[string]map[string]record{}}
	s.hub = ws.NewHub(s.load, log.With().Str("store", "memory").Logger())
	go s.hub.Run()
	return s
}

// Close stops change delivery to all watchers.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, chaterr.Unavailable("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.colls[collection][id]
	if !ok {
		return store.Document{}, store.ErrNoDocument
	}
	return store.Document{ID: id, Data: rec.data, Seq: rec.seq}, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return chaterr.Unavailable("set", err)
	}
	body, err := store.Encode(v)
	if err != nil {
		return err
	}
	return s.write(collection, id, func(prev record, ok bool) (record, error) {
		if ok {
			return record{data: body, seq: prev.seq}, nil
		}
		return record{data: body}, nil
	})
}

func (s *Store) Add(ctx context.Context, collection string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", chaterr.Unavailable("add", err)
	}
	body, err := store.Encode(v)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = s.write(collection, id, func(record, bool) (record, error) {
		return record{data: body}, nil
	})
	return id, err
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return chaterr.Unavailable("update", err)
	}
	return s.write(collection, id, func(prev record, ok bool) (record, error) {
		if !ok {
			return record{}, store.ErrNoDocument
		}
		body, err := store.Merge(prev.data, fields)
		if err != nil {
			return record{}, err
		}
		return record{data: body, seq: prev.seq}, nil
	})
}

// write applies fn to the current record under the store lock. A record
// with a zero seq is new and takes the next commit sequence.
func (s *Store) write(collection, id string, fn func(prev record, ok bool) (record, error)) error {
	s.mu.Lock()
	docs := s.colls[collection]
	if docs == nil {
		docs = map[string]record{}
		s.colls[collection] = docs
	}
	prev, ok := docs[id]
	next, err := fn(prev, ok)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.seq++
	if next.seq == 0 {
		next.seq = s.seq
	}
	docs[id] = next
	s.mu.Unlock()

	s.hub.Publish(ws.Change{Collection: collection, DocID: id})
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Unavailable("query", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(collection, filters), nil
}

func (s *Store) queryLocked(collection string, filters []store.Filter) []store.Document {
	var out []store.Document
	for id, rec := range s.colls[collection] {
		doc := store.Document{ID: id, Data: rec.data, Seq: rec.seq}
		if store.MatchAll(doc, filters) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) Watch(ctx context.Context, target store.Target, fn store.ChangeFunc) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Unavailable("watch", err)
	}
	return s.hub.Watch(target, fn)
}

func (s *Store) load(_ context.Context, t store.Target) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := store.Snapshot{Seq: s.seq}
	if t.DocID != "" {
		if rec, ok := s.colls[t.Collection][t.DocID]; ok {
			snap.Docs = []store.Document{{ID: t.DocID, Data: rec.data, Seq: rec.seq}}
		}
		return snap, nil
	}
	snap.Docs = s.queryLocked(t.Collection, t.Filters)
	return snap, nil
}
