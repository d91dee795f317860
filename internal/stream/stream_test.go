package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/memstore"
	"github.com/pliu/chatsync/internal/store/storetest"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	mem    *memstore.Store
	faulty *storetest.Faulty
	cap    *storetest.Capturing
	s      *Stream
	now    atomic.Int64
	errs   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{mem: memstore.New(zerolog.Nop())}
	t.Cleanup(func() { _ = f.mem.Close() })
	f.faulty = storetest.NewFaulty(f.mem)
	f.cap = storetest.NewCapturing(f.faulty)
	f.now.Store(1_000)
	f.s = New(f.cap,
		WithClock(func() time.Time { return time.UnixMilli(f.now.Load()) }),
		OnError(func(error) { f.errs.Add(1) }),
	)
	t.Cleanup(f.s.Unsubscribe)

	ctx := context.Background()
	require.NoError(t, f.mem.Set(ctx, models.ChatsCollection, "c1", models.Conversation{MemberIDs: []string{"A", "B"}, CreatedAt: 1}))
	require.NoError(t, f.mem.Set(ctx, models.ChatsCollection, "c2", models.Conversation{MemberIDs: []string{"A", "C"}, CreatedAt: 2}))
	return f
}

func (f *fixture) messages() []models.Message { return f.s.Messages().Get() }

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestSendIsObservedThroughStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Subscribe(ctx, "c1"))

	id, ok := f.s.Active()
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	m, err := f.s.Send(ctx, "c1", "A", "    func main() {}\n")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "    func main() {}\n", m.Body)
	assert.Equal(t, int64(1_000), m.SentAt)

	_, err = f.s.Send(ctx, "c1", "B", "hi back")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.messages()) == 2 }, wait, tick)
	assert.Equal(t, []string{"    func main() {}\n", "hi back"}, bodies(f.messages()))
}

func TestMessagesSortedBySentAtWithCommitOrderTies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coll := models.MessagesCollection("c1")
	for _, m := range []models.Message{
		{SenderID: "A", Body: "third", SentAt: 300},
		{SenderID: "B", Body: "first", SentAt: 100},
		{SenderID: "A", Body: "tie-1", SentAt: 200},
		{SenderID: "B", Body: "tie-2", SentAt: 200},
		{SenderID: "A", Body: "tie-3", SentAt: 200},
	} {
		_, err := f.mem.Add(ctx, coll, m)
		require.NoError(t, err)
	}

	require.NoError(t, f.s.Subscribe(ctx, "c1"))
	require.Eventually(t, func() bool { return len(f.messages()) == 5 }, wait, tick)
	assert.Equal(t, []string{"first", "tie-1", "tie-2", "tie-3", "third"}, bodies(f.messages()))
}

func TestEveryEmissionIsSorted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, stop := f.s.Messages().Watch()
	defer stop()
	require.NoError(t, f.s.Subscribe(ctx, "c1"))

	var unsorted atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msgs := <-ch:
				if !sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].SentAt < msgs[j].SentAt }) {
					unsorted.Add(1)
				}
				if len(msgs) == 40 {
					return
				}
			case <-time.After(wait):
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.mem.Add(ctx, models.MessagesCollection("c1"), models.Message{SenderID: "A", Body: fmt.Sprint(i), SentAt: int64((i * 7919) % 97)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	<-done
	assert.Equal(t, int32(0), unsorted.Load())
	assert.Len(t, f.messages(), 40)
}

func TestBlankBodyNeverWrites(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{"", "   ", "\n\t "} {
		_, err := f.s.Send(context.Background(), "c1", "A", body)
		assert.ErrorIs(t, err, chaterr.ErrValidation)
	}
	assert.Equal(t, 0, f.faulty.Writes())
	assert.Equal(t, 0, f.faulty.Calls(storetest.OpGet))

	docs, err := f.mem.Query(context.Background(), models.MessagesCollection("c1"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSendMembershipAndExistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.Send(ctx, "c1", "C", "hi")
	assert.ErrorIs(t, err, chaterr.ErrPermission)

	_, err = f.s.Send(ctx, "missing", "A", "hi")
	assert.ErrorIs(t, err, chaterr.ErrNotFound)

	_, err = f.s.Send(ctx, "", "A", "hi")
	assert.ErrorIs(t, err, chaterr.ErrValidation)
	assert.Equal(t, 0, f.faulty.Writes())

	f.faulty.FailOn(storetest.OpAdd, "", "", chaterr.Unavailable("add", errors.New("offline")))
	_, err = f.s.Send(ctx, "c1", "A", "hi")
	assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
}

func TestUnsubscribeThenLateCallbackHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.s.Subscribe(ctx, "c1"))
	_, err := f.s.Send(ctx, "c1", "A", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.messages()) == 1 }, wait, tick)
	w := f.cap.Last(models.MessagesCollection("c1"))

	f.s.Unsubscribe()
	f.s.Unsubscribe()
	_, active := f.s.Active()
	assert.False(t, active)
	assert.Empty(t, f.messages())
	assert.Equal(t, 0, f.cap.ActiveOn(models.MessagesCollection("c1")))

	late := store.Snapshot{Docs: []store.Document{{ID: "m9", Data: []byte(`{"senderId":"B","body":"late","sentAt":5}`)}}}
	w.Fire(late, nil)
	w.Fire(store.Snapshot{}, errors.New("late failure"))
	_, err = f.mem.Add(ctx, models.MessagesCollection("c1"), models.Message{SenderID: "B", Body: "pushed", SentAt: 6})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.messages())
	assert.Equal(t, int32(0), f.errs.Load())
}

func TestSwitchingConversationsReplacesQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.s.Send(ctx, "c1", "A", "in c1")
	require.NoError(t, err)
	_, err = f.s.Send(ctx, "c2", "A", "in c2")
	require.NoError(t, err)

	require.NoError(t, f.s.Subscribe(ctx, "c1"))
	require.Eventually(t, func() bool { return len(f.messages()) == 1 }, wait, tick)
	first := f.cap.Last(models.MessagesCollection("c1"))

	require.NoError(t, f.s.Subscribe(ctx, "c2"))
	require.Eventually(t, func() bool {
		m := f.messages()
		return len(m) == 1 && m[0].Body == "in c2"
	}, wait, tick)

	assert.False(t, first.Active())
	first.Fire(store.Snapshot{Docs: []store.Document{{ID: "x", Data: []byte(`{"senderId":"A","body":"stale","sentAt":1}`)}}}, nil)
	assert.Equal(t, []string{"in c2"}, bodies(f.messages()))
	id, _ := f.s.Active()
	assert.Equal(t, "c2", id)
}

func TestUndecodableMessagesDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coll := models.MessagesCollection("c1")
	_, err := f.mem.Add(ctx, coll, map[string]any{"senderId": "A", "body": "ok", "sentAt": 1})
	require.NoError(t, err)
	_, err = f.mem.Add(ctx, coll, map[string]any{"senderId": "A", "body": 42, "sentAt": 2})
	require.NoError(t, err)

	require.NoError(t, f.s.Subscribe(ctx, "c1"))
	require.Eventually(t, func() bool { return len(f.messages()) == 1 }, wait, tick)
	assert.Equal(t, "ok", f.messages()[0].Body)
}

func TestLiveQueryErrorIsReported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Subscribe(context.Background(), "c1"))
	f.cap.Last(models.MessagesCollection("c1")).Fire(store.Snapshot{}, chaterr.Permission("watch", "denied"))
	assert.Equal(t, int32(1), f.errs.Load())
}

func TestSubscribeRequiresID(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.s.Subscribe(context.Background(), ""), chaterr.ErrValidation)
}
