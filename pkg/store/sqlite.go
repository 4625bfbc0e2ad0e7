package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	fields TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// SQLiteStore implements Store on an embedded SQLite database for local
// play. Writes are serialized by a store-level lock, which also makes the
// in-process change notifications match commit order. Subscriptions only
// observe writes made through this store instance; an embedded
// single-process database has no other writers.
type SQLiteStore struct {
	lock     sync.Mutex
	db       *sql.DB
	notifier *notifier
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore creates a new SQLiteStore and bootstraps the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %v", err)
	}
	return &SQLiteStore{
		db:       db,
		notifier: newNotifier(),
	}, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.get(ctx, collection, id)
}

func (s *SQLiteStore) get(ctx context.Context, collection, id string) (*Document, error) {
	q := `SELECT version, fields FROM documents WHERE collection = ? AND id = ?`
	var version int64
	var raw string
	if err := s.db.QueryRowContext(ctx, q, collection, id).Scan(&version, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to scan document: %v", err)
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document fields: %v", err)
	}
	return &Document{
		ID:      id,
		Version: version,
		Fields:  fields,
	}, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.get(ctx, collection, id); err == nil {
		return nil, &ErrConflict{}
	} else if !IsNotFound(err) {
		return nil, err
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document fields: %v", err)
	}
	q := `INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, collection, id, string(raw)); err != nil {
		return nil, fmt.Errorf("failed to insert document: %v", err)
	}
	doc := &Document{
		ID:      id,
		Version: 1,
		Fields:  copyFields(fields),
	}
	s.notifier.publish(documentKey(collection, id), Snapshot{Exists: true, Document: doc})
	return doc, nil
}

func (s *SQLiteStore) QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	q := `SELECT id, version, fields FROM documents WHERE collection = ?`
	args := []interface{}{collection}
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			q += ` AND json_extract(fields, '$.' || ?) = ?`
			args = append(args, f.Field, sqliteValue(f.Value))
		case OpArrayContains:
			q += ` AND EXISTS (SELECT 1 FROM json_each(fields, '$.' || ?) WHERE json_each.value = ?)`
			args = append(args, f.Field, sqliteValue(f.Value))
		default:
			return nil, fmt.Errorf("unsupported filter op: %s", f.Op)
		}
	}
	// rowid keeps results in creation order.
	q += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %v", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id string
		var version int64
		var raw string
		if err := rows.Scan(&id, &version, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %v", err)
		}
		fields := make(map[string]interface{})
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("failed to decode document fields: %v", err)
		}
		docs = append(docs, &Document{
			ID:      id,
			Version: version,
			Fields:  fields,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %v", err)
	}
	return docs, nil
}

func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, collection, id string, fields map[string]interface{}, expectedVersion int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %v", err)
	}
	q := `
	UPDATE documents SET fields = json_patch(fields, ?), version = version + 1
	WHERE collection = ? AND id = ? AND version = ?;
	`
	result, err := s.db.ExecContext(ctx, q, string(raw), collection, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update document: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %v", err)
	}
	if affected == 0 {
		if _, err := s.get(ctx, collection, id); err != nil {
			return err
		}
		return &ErrConflict{}
	}
	return s.publish(ctx, collection, id)
}

func (s *SQLiteStore) MergeUpdate(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %v", err)
	}
	q := `
	INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)
	ON CONFLICT (collection, id)
	DO UPDATE SET fields = json_patch(documents.fields, excluded.fields), version = documents.version + 1;
	`
	if _, err := s.db.ExecContext(ctx, q, collection, id, string(raw)); err != nil {
		return fmt.Errorf("failed to merge document: %v", err)
	}
	return s.publish(ctx, collection, id)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, collection, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	q := `DELETE FROM documents WHERE collection = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, q, collection, id); err != nil {
		return fmt.Errorf("failed to delete document: %v", err)
	}
	s.notifier.publish(documentKey(collection, id), Snapshot{Exists: false})
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	initial := Snapshot{Exists: false}
	doc, err := s.get(ctx, collection, id)
	switch {
	case err == nil:
		initial = Snapshot{Exists: true, Document: doc}
	case !IsNotFound(err):
		return nil, err
	}
	return s.notifier.subscribe(ctx, documentKey(collection, id), initial), nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// publish re-reads the row and queues a snapshot. Caller holds the lock.
func (s *SQLiteStore) publish(ctx context.Context, collection, id string) error {
	doc, err := s.get(ctx, collection, id)
	if err != nil {
		return err
	}
	s.notifier.publish(documentKey(collection, id), Snapshot{Exists: true, Document: doc})
	return nil
}

// sqliteValue maps filter values onto SQLite's scalar model, where JSON
// booleans surface as 0/1 from json_extract and json_each.
func sqliteValue(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
