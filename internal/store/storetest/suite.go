// Package storetest holds a compliance suite for store.Store implementations
// and wrappers that inject faults or capture watch callbacks in tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
)

type doc struct {
	Name    string   `json:"name"`
	Phone   string   `json:"phone,omitempty"`
	Members []string `json:"members,omitempty"`
}

// Run exercises the store contract. makeStore must return a clean, isolated
// store for every call.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := makeStore(t)
		_, err := s.Get(ctx, "users", "nobody")
		assert.ErrorIs(t, err, store.ErrNoDocument)
	})

	t.Run("cancelled context is unavailable", func(t *testing.T) {
		s := makeStore(t)
		done, cancel := context.WithCancel(ctx)
		cancel()

		_, err := s.Get(done, "users", "u1")
		assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
		assert.ErrorIs(t, s.Set(done, "users", "u1", doc{Name: "Ann"}), chaterr.ErrStoreUnavailable)
		_, err = s.Add(done, "users", doc{Name: "Ann"})
		assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
		assert.ErrorIs(t, s.Update(done, "users", "u1", map[string]any{"name": "x"}), chaterr.ErrStoreUnavailable)
		_, err = s.Query(done, "users")
		assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
		_, err = s.Watch(done, store.DocTarget("users", "u1"), func(store.Snapshot, error) {})
		assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
	})

	t.Run("set replaces whole document", func(t *testing.T) {
		s := makeStore(t)
		require.NoError(t, s.Set(ctx, "users", "u1", doc{Name: "Ann", Phone: "1"}))
		require.NoError(t, s.Set(ctx, "users", "u1", doc{Name: "Anne"}))

		got, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		var d doc
		require.NoError(t, got.Decode(&d))
		assert.Equal(t, doc{Name: "Anne"}, d)
		assert.Equal(t, "u1", got.ID)
	})

	t.Run("update merges and requires document", func(t *testing.T) {
		s := makeStore(t)
		err := s.Update(ctx, "users", "u1", map[string]any{"name": "x"})
		assert.ErrorIs(t, err, store.ErrNoDocument)

		require.NoError(t, s.Set(ctx, "users", "u1", doc{Name: "Ann", Phone: "1"}))
		require.NoError(t, s.Update(ctx, "users", "u1", map[string]any{"phone": "2"}))
		got, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		var d doc
		require.NoError(t, got.Decode(&d))
		assert.Equal(t, doc{Name: "Ann", Phone: "2"}, d)
	})

	t.Run("add assigns ids in commit order", func(t *testing.T) {
		s := makeStore(t)
		var ids []string
		for _, name := range []string{"a", "b", "c"} {
			id, err := s.Add(ctx, "chats/c1/messages", doc{Name: name})
			require.NoError(t, err)
			require.NotEmpty(t, id)
			ids = append(ids, id)
		}
		assert.NotEqual(t, ids[0], ids[1])

		docs, err := s.Query(ctx, "chats/c1/messages")
		require.NoError(t, err)
		require.Len(t, docs, 3)
		for i, d := range docs {
			assert.Equal(t, ids[i], d.ID)
		}
		assert.Less(t, docs[0].Seq, docs[1].Seq)
		assert.Less(t, docs[1].Seq, docs[2].Seq)

		other, err := s.Query(ctx, "chats/c2/messages")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("update keeps commit position", func(t *testing.T) {
		s := makeStore(t)
		require.NoError(t, s.Set(ctx, "chats", "first", doc{Name: "1"}))
		require.NoError(t, s.Set(ctx, "chats", "second", doc{Name: "2"}))
		require.NoError(t, s.Update(ctx, "chats", "first", map[string]any{"name": "1b"}))

		docs, err := s.Query(ctx, "chats")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "first", docs[0].ID)
	})

	t.Run("query filters", func(t *testing.T) {
		s := makeStore(t)
		require.NoError(t, s.Set(ctx, "users", "u1", doc{Name: "Ann", Phone: "5551234"}))
		require.NoError(t, s.Set(ctx, "users", "u2", doc{Name: "Bob", Phone: "5550000"}))
		require.NoError(t, s.Set(ctx, "chats", "c1", doc{Name: "x", Members: []string{"u1", "u2"}}))
		require.NoError(t, s.Set(ctx, "chats", "c2", doc{Name: "y", Members: []string{"u2", "u3"}}))

		byPhone, err := s.Query(ctx, "users", store.Eq("phone", "5551234"))
		require.NoError(t, err)
		require.Len(t, byPhone, 1)
		assert.Equal(t, "u1", byPhone[0].ID)

		forU1, err := s.Query(ctx, "chats", store.ArrayContains("members", "u1"))
		require.NoError(t, err)
		require.Len(t, forU1, 1)
		assert.Equal(t, "c1", forU1[0].ID)

		forU2, err := s.Query(ctx, "chats", store.ArrayContains("members", "u2"), store.Eq("name", "y"))
		require.NoError(t, err)
		require.Len(t, forU2, 1)
		assert.Equal(t, "c2", forU2[0].ID)
	})

	t.Run("watch document", func(t *testing.T) {
		s := makeStore(t)
		w := newWatchLog()
		sub, err := s.Watch(ctx, store.DocTarget("users", "u1"), w.record)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.Eventually(t, func() bool { return w.len() >= 1 }, 2*time.Second, 5*time.Millisecond)
		_, present := w.last().Document()
		assert.False(t, present)

		require.NoError(t, s.Set(ctx, "users", "u1", doc{Name: "Ann"}))
		require.Eventually(t, func() bool {
			d, ok := w.last().Document()
			return ok && jsonField(d.Data, "name") == "Ann"
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("watch query", func(t *testing.T) {
		s := makeStore(t)
		w := newWatchLog()
		sub, err := s.Watch(ctx, store.QueryTarget("chats", store.ArrayContains("members", "u1")), w.record)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, s.Set(ctx, "chats", "c1", doc{Name: "x", Members: []string{"u1", "u2"}}))
		require.NoError(t, s.Set(ctx, "chats", "c2", doc{Name: "y", Members: []string{"u2", "u3"}}))
		require.NoError(t, s.Set(ctx, "chats", "c3", doc{Name: "z", Members: []string{"u3", "u1"}}))

		require.Eventually(t, func() bool { return len(w.last().Docs) == 2 }, 2*time.Second, 5*time.Millisecond)
		docs := w.last().Docs
		assert.Equal(t, "c1", docs[0].ID)
		assert.Equal(t, "c3", docs[1].ID)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		s := makeStore(t)
		w := newWatchLog()
		sub, err := s.Watch(ctx, store.QueryTarget("chats/c1/messages"), w.record)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return w.len() >= 1 }, 2*time.Second, 5*time.Millisecond)

		sub.Unsubscribe()
		sub.Unsubscribe()
		seen := w.len()

		_, err = s.Add(ctx, "chats/c1/messages", doc{Name: "late"})
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, seen, w.len())
	})
}

type watchLog struct {
	mu    sync.Mutex
	snaps []store.Snapshot
	errs  []error
}

func newWatchLog() *watchLog { return &watchLog{} }

func (w *watchLog) record(s store.Snapshot, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.errs = append(w.errs, err)
		return
	}
	w.snaps = append(w.snaps, s)
}

func (w *watchLog) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.snaps)
}

func (w *watchLog) last() store.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.snaps) == 0 {
		return store.Snapshot{}
	}
	return w.snaps[len(w.snaps)-1]
}

func jsonField(data json.RawMessage, field string) string {
	m := map[string]any{}
	_ = json.Unmarshal(data, &m)
	s, _ := m[field].(string)
	return s
}
