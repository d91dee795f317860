package ws

import (
	"encoding/json"
	"errors"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
)

// Frame operations. Clients send requests; the server answers each with a
// result or error frame carrying the same ID, and pushes snapshot frames for
// every registered watch.
const (
	OpGet      = "get"
	OpSet      = "set"
	OpAdd      = "add"
	OpUpdate   = "update"
	OpQuery    = "query"
	OpWatch    = "watch"
	OpUnwatch  = "unwatch"
	OpResult   = "result"
	OpSnapshot = "snapshot"
	OpError    = "error"
)

// kindNoDocument marks store.ErrNoDocument on the wire.
const kindNoDocument = "no_document"

type Frame struct {
	ID         uint64          `json:"id"`
	Op         string          `json:"op"`
	Collection string          `json:"collection,omitempty"`
	DocID      string          `json:"docId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Filters    []store.Filter  `json:"filters,omitempty"`
	Docs       []WireDoc       `json:"docs,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

// Target is the watch target named by a watch frame.
func (f Frame) Target() store.Target {
	return store.Target{Collection: f.Collection, DocID: f.DocID, Filters: f.Filters}
}

type WireDoc struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	Seq  int64           `json:"seq"`
}

func ToWire(docs []store.Document) []WireDoc {
	out := make([]WireDoc, len(docs))
	for i, d := range docs {
		out[i] = WireDoc{ID: d.ID, Data: d.Data, Seq: d.Seq}
	}
	return out
}

func FromWire(docs []WireDoc) []store.Document {
	out := make([]store.Document, len(docs))
	for i, d := range docs {
		out[i] = store.Document{ID: d.ID, Data: d.Data, Seq: d.Seq}
	}
	return out
}

// WireError carries an error kind and message across the connection.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNoDocument) {
		return &WireError{Kind: kindNoDocument, Message: err.Error()}
	}
	msg := err.Error()
	var ce *chaterr.Error
	if errors.As(err, &ce) && ce.Msg != "" {
		msg = ce.Msg
	}
	return &WireError{Kind: chaterr.KindOf(err).String(), Message: msg}
}

// Err rebuilds the error on the receiving side. Unclassified failures come
// back as store-unavailable.
func (w *WireError) Err(op string) error {
	if w == nil {
		return nil
	}
	if w.Kind == kindNoDocument {
		return store.ErrNoDocument
	}
	kind := chaterr.ParseKind(w.Kind)
	if kind == chaterr.KindUnknown {
		kind = chaterr.KindStoreUnavailable
	}
	return chaterr.New(kind, op, w.Message)
}
