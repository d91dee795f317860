// Package remotestore is a document store client for the chattyd websocket
// protocol.
package remotestore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/ws"
)

const writeWait = 10 * time.Second

var (
	errClosed       = errors.New("store closed")
	errTokenChanged = errors.New("session token changed")
)

// TokenFunc returns the bearer token to connect with, or "".
type TokenFunc func() string

type Option func(*Store)

// WithMaxElapsed bounds the time spent retrying a dial.
func WithMaxElapsed(d time.Duration) Option {
	return func(s *Store) { s.maxElapsed = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Store talks to a chattyd server over one websocket. The connection is
// dialed on first use and again whenever the token changes. A dropped
// connection ends every watch on it with a store-unavailable error.
type Store struct {
	url        string
	token      TokenFunc
	dialer     *websocket.Dialer
	maxElapsed time.Duration
	log        zerolog.Logger
	nextID     atomic.Uint64

	mu     sync.Mutex
	cur    *link
	closed bool
}

var _ store.Store = (*Store)(nil)

func New(url string, token TokenFunc, opts ...Option) *Store {
	s := &Store{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		maxElapsed: 30 * time.Second,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("store", "remote").Logger()
	return s
}

// Close drops the connection. Later calls fail with a store-unavailable
// error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cur != nil {
		s.cur.fail(errClosed, false)
		s.cur = nil
	}
	return nil
}

func (s *Store) link(ctx context.Context, op string) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, chaterr.Unavailable(op, errClosed)
	}
	tok := ""
	if s.token != nil {
		tok = s.token()
	}
	if s.cur != nil && s.cur.alive() && s.cur.token == tok {
		return s.cur, nil
	}
	if s.cur != nil {
		s.cur.fail(errTokenChanged, false)
		s.cur = nil
	}

	conn, err := s.dial(ctx, tok)
	if err != nil {
		return nil, err
	}
	l := newLink(conn, tok, s.log)
	go l.readLoop()
	s.cur = l
	return l, nil
}

func (s *Store) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := s.dialer.DialContext(ctx, s.url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(chaterr.New(chaterr.KindAuth, "connect", "credentials rejected"))
			}
			return err
		}
		conn = c
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = s.maxElapsed
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(exp, ctx), notify); err != nil {
		if chaterr.KindOf(err) == chaterr.KindAuth {
			return nil, err
		}
		return nil, chaterr.Unavailable("connect", err)
	}
	s.log.Debug().Str("url", s.url).Msg("connected")
	return conn, nil
}

func (s *Store) call(ctx context.Context, op string, f ws.Frame) (ws.Frame, error) {
	l, err := s.link(ctx, op)
	if err != nil {
		return ws.Frame{}, err
	}
	return l.roundTrip(ctx, op, s.nextID.Add(1), f)
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	res, err := s.call(ctx, ws.OpGet, ws.Frame{Op: ws.OpGet, Collection: collection, DocID: id})
	if err != nil {
		return store.Document{}, err
	}
	docs := ws.FromWire(res.Docs)
	if len(docs) == 0 {
		return store.Document{}, store.ErrNoDocument
	}
	return docs[0], nil
}

func (s *Store) Set(ctx context.Context, collection, id string, v any) error {
	data, err := store.Encode(v)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, ws.OpSet, ws.Frame{Op: ws.OpSet, Collection: collection, DocID: id, Data: data})
	return err
}

func (s *Store) Add(ctx context.Context, collection string, v any) (string, error) {
	data, err := store.Encode(v)
	if err != nil {
		return "", err
	}
	res, err := s.call(ctx, ws.OpAdd, ws.Frame{Op: ws.OpAdd, Collection: collection, Data: data})
	if err != nil {
		return "", err
	}
	return res.DocID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := s.call(ctx, ws.OpUpdate, ws.Frame{Op: ws.OpUpdate, Collection: collection, DocID: id, Fields: fields})
	return err
}

func (s *Store) Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error) {
	res, err := s.call(ctx, ws.OpQuery, ws.Frame{Op: ws.OpQuery, Collection: collection, Filters: filters})
	if err != nil {
		return nil, err
	}
	return ws.FromWire(res.Docs), nil
}

func (s *Store) Watch(ctx context.Context, target store.Target, fn store.ChangeFunc) (store.Subscription, error) {
	l, err := s.link(ctx, ws.OpWatch)
	if err != nil {
		return nil, err
	}
	id := s.nextID.Add(1)
	w := newWatch(fn)
	if !l.addWatch(id, w) {
		return nil, l.failure(ws.OpWatch)
	}
	go w.loop()

	f := ws.Frame{Op: ws.OpWatch, Collection: target.Collection, DocID: target.DocID, Filters: target.Filters}
	if _, err := l.roundTrip(ctx, ws.OpWatch, id, f); err != nil {
		l.removeWatch(id)
		w.halt()
		return nil, err
	}
	return &subscription{l: l, id: id, w: w}, nil
}

type subscription struct {
	l    *link
	id   uint64
	w    *watch
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.w.halt()
		if s.l.removeWatch(s.id) {
			go func() { _ = s.l.write(ws.Frame{ID: s.id, Op: ws.OpUnwatch}) }()
		}
	})
}

// link is one websocket connection and the requests and watches riding it.
type link struct {
	conn  *websocket.Conn
	token string
	log   zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan ws.Frame
	watches map[uint64]*watch
	err     error
	done    chan struct{}
}

func newLink(conn *websocket.Conn, token string, log zerolog.Logger) *link {
	return &link{
		conn:    conn,
		token:   token,
		log:     log,
		pending: map[uint64]chan ws.Frame{},
		watches: map[uint64]*watch{},
		done:    make(chan struct{}),
	}
}

func (l *link) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *link) failure(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return chaterr.Unavailable(op, l.err)
}

// fail closes the connection once. Watches still registered are told when
// notify is set.
func (l *link) fail(cause error, notify bool) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}
	l.err = cause
	close(l.done)
	watches := l.watches
	l.watches = map[uint64]*watch{}
	l.mu.Unlock()

	_ = l.conn.Close()
	for _, w := range watches {
		if notify {
			w.end(chaterr.Unavailable(ws.OpWatch, cause))
		} else {
			w.halt()
		}
	}
}

func (l *link) write(f ws.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(f)
}

func (l *link) addWatch(id uint64, w *watch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	l.watches[id] = w
	return true
}

func (l *link) removeWatch(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.watches[id]
	delete(l.watches, id)
	return ok && l.err == nil
}

func (l *link) roundTrip(ctx context.Context, op string, id uint64, f ws.Frame) (ws.Frame, error) {
	ch := make(chan ws.Frame, 1)
	l.mu.Lock()
	if l.err != nil {
		err := chaterr.Unavailable(op, l.err)
		l.mu.Unlock()
		return ws.Frame{}, err
	}
	l.pending[id] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	f.ID = id
	if err := l.write(f); err != nil {
		l.fail(err, true)
		return ws.Frame{}, chaterr.Unavailable(op, err)
	}

	select {
	case res := <-ch:
		if res.Op == ws.OpError {
			if res.Error == nil {
				return ws.Frame{}, chaterr.New(chaterr.KindStoreUnavailable, op, "malformed error frame")
			}
			return ws.Frame{}, res.Error.Err(op)
		}
		return res, nil
	case <-l.done:
		return ws.Frame{}, l.failure(op)
	case <-ctx.Done():
		return ws.Frame{}, chaterr.Unavailable(op, ctx.Err())
	}
}

func (l *link) readLoop() {
	for {
		var f ws.Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			if l.alive() {
				l.log.Warn().Err(err).Msg("connection lost")
			}
			l.fail(err, true)
			return
		}

		l.mu.Lock()
		w := l.watches[f.ID]
		ch := l.pending[f.ID]
		l.mu.Unlock()

		switch {
		case f.Op == ws.OpSnapshot:
			if w != nil {
				w.offer(f)
			}
		case ch != nil:
			select {
			case ch <- f:
			default:
			}
		}
	}
}

// watch delivers snapshots for one subscription on its own goroutine. Only
// the latest undelivered snapshot is kept.
type watch struct {
	fn store.ChangeFunc

	mu   sync.Mutex
	next *ws.Frame
	err  error

	kick chan struct{}
	stop chan struct{}
	once sync.Once
}

func newWatch(fn store.ChangeFunc) *watch {
	return &watch{fn: fn, kick: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (w *watch) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *watch) offer(f ws.Frame) {
	w.mu.Lock()
	w.next = &f
	w.mu.Unlock()
	w.wake()
}

// end delivers err after any pending snapshot, then stops the watch.
func (w *watch) end(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.wake()
}

func (w *watch) halt() {
	w.once.Do(func() { close(w.stop) })
}

func (w *watch) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *watch) loop() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
		}
		w.mu.Lock()
		f, end := w.next, w.err
		w.next = nil
		w.mu.Unlock()

		if f != nil && !w.stopped() {
			if f.Error != nil {
				w.fn(store.Snapshot{}, f.Error.Err(ws.OpWatch))
			} else {
				w.fn(store.Snapshot{Docs: ws.FromWire(f.Docs), Seq: f.Seq}, nil)
			}
		}
		if end != nil {
			if !w.stopped() {
				w.fn(store.Snapshot{}, end)
			}
			w.halt()
			return
		}
	}
}
