package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/ws"
)

// SQLStore keeps documents as JSON rows in a single table. Filters are
// evaluated in Go after selecting the collection.
type SQLStore struct {
	db         *sql.DB
	driverName string
	log        zerolog.Logger

	// mu serializes writes so commit sequences follow commit order.
	mu  sync.Mutex
	seq int64

	hub *ws.Hub
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every connection to ":memory:" is its own database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, log: log.With().Str("store", driverName).Logger()}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.QueryRow("SELECT COALESCE(MAX(updated_seq), 0) FROM documents").Scan(&s.seq); err != nil {
		db.Close()
		return nil, err
	}
	s.hub = ws.NewHub(s.load, s.log)
	go s.hub.Run()
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		seq INTEGER NOT NULL,
		updated_seq INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS documents_collection_seq ON documents (collection, seq);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER", "BIGINT")
	}

	_, err := s.db.Exec(query)
	return err
}

// Close stops change delivery and closes the database.
func (s *SQLStore) Close() error {
	s.hub.Close()
	return s.db.Close()
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	doc := store.Document{ID: id}
	var data string
	query := s.rebind("SELECT data, seq FROM documents WHERE collection = ? AND id = ?")
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&data, &doc.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.ErrNoDocument
	}
	if err != nil {
		return store.Document{}, chaterr.Unavailable("get", err)
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

func (s *SQLStore) Set(ctx context.Context, collection, id string, v any) error {
	body, err := store.Encode(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next := s.seq + 1
	query := s.rebind(`
		INSERT INTO documents (collection, id, data, seq, updated_seq) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_seq = excluded.updated_seq
	`)
	_, err = s.db.ExecContext(ctx, query, collection, id, string(body), next, next)
	if err == nil {
		s.seq = next
	}
	s.mu.Unlock()
	if err != nil {
		return chaterr.Unavailable("set", err)
	}

	s.hub.Publish(ws.Change{Collection: collection, DocID: id})
	return nil
}

func (s *SQLStore) Add(ctx context.Context, collection string, v any) (string, error) {
	body, err := store.Encode(v)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	s.mu.Lock()
	next := s.seq + 1
	query := s.rebind("INSERT INTO documents (collection, id, data, seq, updated_seq) VALUES (?, ?, ?, ?, ?)")
	_, err = s.db.ExecContext(ctx, query, collection, id, string(body), next, next)
	if err == nil {
		s.seq = next
	}
	s.mu.Unlock()
	if err != nil {
		return "", chaterr.Unavailable("add", err)
	}

	s.hub.Publish(ws.Change{Collection: collection, DocID: id})
	return id, nil
}

func (s *SQLStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	err := s.update(ctx, collection, id, fields)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.hub.Publish(ws.Change{Collection: collection, DocID: id})
	return nil
}

func (s *SQLStore) update(ctx context.Context, collection, id string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chaterr.Unavailable("update", err)
	}
	defer tx.Rollback()

	var data string
	query := s.rebind("SELECT data FROM documents WHERE collection = ? AND id = ?")
	err = tx.QueryRowContext(ctx, query, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNoDocument
	}
	if err != nil {
		return chaterr.Unavailable("update", err)
	}

	body, err := store.Merge(json.RawMessage(data), fields)
	if err != nil {
		return err
	}

	next := s.seq + 1
	query = s.rebind("UPDATE documents SET data = ?, updated_seq = ? WHERE collection = ? AND id = ?")
	if _, err := tx.ExecContext(ctx, query, string(body), next, collection, id); err != nil {
		return chaterr.Unavailable("update", err)
	}
	if err := tx.Commit(); err != nil {
		return chaterr.Unavailable("update", err)
	}
	s.seq = next
	return nil
}

func (s *SQLStore) Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error) {
	query := s.rebind("SELECT id, data, seq FROM documents WHERE collection = ? ORDER BY seq ASC")
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, chaterr.Unavailable("query", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var d store.Document
		var data string
		if err := rows.Scan(&d.ID, &data, &d.Seq); err != nil {
			return nil, chaterr.Unavailable("query", err)
		}
		d.Data = json.RawMessage(data)
		if store.MatchAll(d, filters) {
			docs = append(docs, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.Unavailable("query", err)
	}
	return docs, nil
}

func (s *SQLStore) Watch(ctx context.Context, target store.Target, fn store.ChangeFunc) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Unavailable("watch", err)
	}
	return s.hub.Watch(target, fn)
}

func (s *SQLStore) load(ctx context.Context, t store.Target) (store.Snapshot, error) {
	s.mu.Lock()
	snap := store.Snapshot{Seq: s.seq}
	s.mu.Unlock()

	if t.DocID != "" {
		doc, err := s.Get(ctx, t.Collection, t.DocID)
		if errors.Is(err, store.ErrNoDocument) {
			return snap, nil
		}
		if err != nil {
			return store.Snapshot{}, err
		}
		snap.Docs = []store.Document{doc}
		return snap, nil
	}
	docs, err := s.Query(ctx, t.Collection, t.Filters...)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap.Docs = docs
	return snap, nil
}
