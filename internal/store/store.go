// Package store defines the document store the sync core reads and writes.
//
// Documents are JSON objects addressed by collection and id. Collections may
// be nested under a parent document ("chats/c1/messages"). Every write is
// assigned a store-wide commit sequence; query and watch results are
// delivered in commit order of document creation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrNoDocument is returned by Get and Update when the document is absent.
var ErrNoDocument = errors.New("store: no such document")

type Store interface {
	// Get returns the document or ErrNoDocument.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set replaces the whole document, creating it if needed.
	Set(ctx context.Context, collection, id string, v any) error
	// Add creates a document under a store-generated id.
	Add(ctx context.Context, collection string, v any) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Query returns the documents in collection matching every filter.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Watch pushes the current result of target to fn, then again after
	// every change that may affect it, until the subscription is cancelled.
	Watch(ctx context.Context, target Target, fn ChangeFunc) (Subscription, error)
}

// Subscription cancels a Watch. Unsubscribe is safe to call more than once.
// A callback already running when Unsubscribe is called may still complete.
type Subscription interface {
	Unsubscribe()
}

// ChangeFunc receives the full result of a watched target, or the error that
// ended delivery.
type ChangeFunc func(Snapshot, error)

// Snapshot is the result of a watched target at one point in commit order.
type Snapshot struct {
	Docs []Document
	// Seq is the store sequence the snapshot was read at.
	Seq int64
}

// Document returns the single document of a document watch.
func (s Snapshot) Document() (Document, bool) {
	if len(s.Docs) == 0 {
		return Document{}, false
	}
	return s.Docs[0], true
}

type Document struct {
	ID   string
	Data json.RawMessage
	// Seq is the commit sequence at which the document was created.
	Seq int64
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.ID, err)
	}
	return nil
}

// Fields returns the document body as a generic map.
func (d Document) Fields() (map[string]any, error) {
	m := map[string]any{}
	if len(d.Data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(d.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode turns v into a JSON object body.
func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("store: document must encode to a JSON object, got %T", v)
	}
	return b, nil
}

// Merge applies fields on top of body and returns the new body.
func Merge(body json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// Op is a filter operator.
type Op string

const (
	OpEq            Op = "=="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

func Eq(field string, v any) Filter { return Filter{Field: field, Op: OpEq, Value: v} }

func ArrayContains(field string, v any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: v}
}

// Match reports whether fields satisfy the filter. Values are compared in
// their JSON form.
func (f Filter) Match(fields map[string]any) bool {
	got, ok := fields[f.Field]
	if !ok {
		return false
	}
	want := normalize(f.Value)
	switch f.Op {
	case OpEq:
		return reflect.DeepEqual(got, want)
	case OpArrayContains:
		arr, ok := got.([]any)
		if !ok {
			return false
		}
		for _, el := range arr {
			if reflect.DeepEqual(el, want) {
				return true
			}
		}
	}
	return false
}

// MatchAll reports whether doc satisfies every filter. Documents whose body
// is not a JSON object never match.
func MatchAll(doc Document, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	fields, err := doc.Fields()
	if err != nil {
		return false
	}
	for _, f := range filters {
		if !f.Match(fields) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// Target selects what a Watch observes: one document when DocID is set,
// otherwise the documents of Collection matching Filters.
type Target struct {
	Collection string   `json:"collection"`
	DocID      string   `json:"docId,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

func DocTarget(collection, id string) Target {
	return Target{Collection: collection, DocID: id}
}

func QueryTarget(collection string, filters ...Filter) Target {
	return Target{Collection: collection, Filters: filters}
}

// Affects reports whether a write to collection/id may change the target.
func (t Target) Affects(collection, id string) bool {
	if t.Collection != collection {
		return false
	}
	return t.DocID == "" || t.DocID == id
}

func (t Target) String() string {
	if t.DocID != "" {
		return t.Collection + "/" + t.DocID
	}
	return fmt.Sprintf("%s%v", t.Collection, t.Filters)
}
