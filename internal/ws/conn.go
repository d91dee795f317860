package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/metrics"
	"github.com/pliu/chatsync/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	opTimeout      = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Policy decides which documents a user may read or write. An empty id
// means the collection as a whole.
type Policy interface {
	CanRead(ctx context.Context, userID, collection, id string) bool
	CanWrite(ctx context.Context, userID string, w Write) bool
}

// Write is a mutation put to a Policy. Data carries the document for set
// and add; Fields carries the changed fields for update.
type Write struct {
	Op         string
	Collection string
	DocID      string
	Data       json.RawMessage
	Fields     map[string]any
}

func writeOf(f Frame) Write {
	return Write{Op: f.Op, Collection: f.Collection, DocID: f.DocID, Data: f.Data, Fields: f.Fields}
}

// Conn serves the document protocol for one authenticated websocket.
type Conn struct {
	ws     *websocket.Conn
	st     store.Store
	policy Policy
	userID string
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	once   sync.Once

	mu      sync.Mutex
	watches map[uint64]store.Subscription
}

// ServeWs upgrades the request and serves frames for userID until the
// client goes away.
func ServeWs(st store.Store, policy Policy, userID string, w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      wsConn,
		st:      st,
		policy:  policy,
		userID:  userID,
		log:     log.With().Str("component", "ws").Str("user_id", userID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		watches: map[uint64]store.Subscription{},
	}
	metrics.Connections.Inc()
	c.log.Debug().Msg("connection opened")

	go c.writePump()
	go c.readPump()
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		for id, sub := range c.watches {
			sub.Unsubscribe()
			delete(c.watches, id)
		}
		c.mu.Unlock()
		_ = c.ws.Close()
		metrics.Connections.Dec()
		c.log.Debug().Msg("connection closed")
	})
}

func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		switch f.Op {
		case OpWatch, OpUnwatch:
			// Inline so a watch is registered before any later unwatch.
			c.handle(f)
		default:
			go c.handle(f)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push queues f for the writer. A client that cannot keep up is dropped.
func (c *Conn) push(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("op", f.Op).Msg("encode frame")
		return
	}
	select {
	case <-c.ctx.Done():
	case c.send <- b:
	default:
		c.log.Warn().Msg("send buffer full, dropping connection")
		c.close()
	}
}

func (c *Conn) reply(req Frame, res Frame, err error) {
	res.ID = req.ID
	if err != nil {
		metrics.Frames.WithLabelValues(req.Op, "error").Inc()
		c.push(Frame{ID: req.ID, Op: OpError, Error: EncodeError(err)})
		return
	}
	metrics.Frames.WithLabelValues(req.Op, "ok").Inc()
	res.Op = OpResult
	c.push(res)
}

func (c *Conn) handle(f Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
	defer cancel()

	switch f.Op {
	case OpGet:
		if !c.policy.CanRead(ctx, c.userID, f.Collection, f.DocID) {
			c.reply(f, Frame{}, c.denied(f))
			return
		}
		doc, err := c.st.Get(ctx, f.Collection, f.DocID)
		c.reply(f, Frame{Docs: ToWire([]store.Document{doc})}, err)

	case OpSet:
		if !c.policy.CanWrite(ctx, c.userID, writeOf(f)) {
			c.reply(f, Frame{}, c.denied(f))
			return
		}
		c.reply(f, Frame{}, c.st.Set(ctx, f.Collection, f.DocID, f.Data))

	case OpAdd:
		f.DocID = ""
		if !c.policy.CanWrite(ctx, c.userID, writeOf(f)) {
			c.reply(f, Frame{}, c.denied(f))
			return
		}
		id, err := c.st.Add(ctx, f.Collection, f.Data)
		c.reply(f, Frame{DocID: id}, err)

	case OpUpdate:
		if !c.policy.CanWrite(ctx, c.userID, writeOf(f)) {
			c.reply(f, Frame{}, c.denied(f))
			return
		}
		c.reply(f, Frame{}, c.st.Update(ctx, f.Collection, f.DocID, f.Fields))

	case OpQuery:
		if !c.policy.CanRead(ctx, c.userID, f.Collection, "") {
			c.reply(f, Frame{}, c.denied(f))
			return
		}
		docs, err := c.st.Query(ctx, f.Collection, f.Filters...)
		c.reply(f, Frame{Docs: ToWire(docs)}, err)

	case OpWatch:
		c.watch(ctx, f)

	case OpUnwatch:
		c.mu.Lock()
		sub, ok := c.watches[f.ID]
		delete(c.watches, f.ID)
		c.mu.Unlock()
		if ok {
			sub.Unsubscribe()
		}
		c.reply(f, Frame{}, nil)

	default:
		c.reply(f, Frame{}, chaterr.Validation("ws", "unknown operation %q", f.Op))
	}
}

func (c *Conn) watch(ctx context.Context, f Frame) {
	if !c.policy.CanRead(ctx, c.userID, f.Collection, f.DocID) {
		c.reply(f, Frame{}, c.denied(f))
		return
	}
	id := f.ID
	sub, err := c.st.Watch(ctx, f.Target(), func(s store.Snapshot, err error) {
		c.push(Frame{ID: id, Op: OpSnapshot, Docs: ToWire(s.Docs), Seq: s.Seq, Error: EncodeError(err)})
	})
	if err != nil {
		c.reply(f, Frame{}, err)
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	prev := c.watches[id]
	c.watches[id] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
	c.reply(f, Frame{}, nil)
}

func (c *Conn) denied(f Frame) error {
	c.log.Info().Str("op", f.Op).Str("collection", f.Collection).Str("doc_id", f.DocID).Msg("request denied")
	return chaterr.Permission(f.Op, "access to %s denied", f.Collection)
}
