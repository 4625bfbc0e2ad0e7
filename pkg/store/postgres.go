package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// postgresNotifyChannel carries "collection/id" payloads for every
	// document write, emitted in the writing transaction.
	postgresNotifyChannel = "duet_documents"

	postgresSchema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection text NOT NULL,
		id text NOT NULL,
		version bigint NOT NULL DEFAULT 1,
		fields jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	);
	`
)

// PostgresStore implements Store on PostgreSQL with one jsonb documents
// table. Change notification rides on pg_notify/LISTEN: every write
// notifies the document key and subscribers re-read the row.
type PostgresStore struct {
	pool    *pgxpool.Pool
	connStr string
}

var _ Store = &PostgresStore{}

// NewPostgresStore creates a new PostgresStore and bootstraps the schema.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %v", err)
	}
	return &PostgresStore{
		pool:    pool,
		connStr: connStr,
	}, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	return postgresGet(ctx, s.pool, collection, id)
}

type postgresQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func postgresGet(ctx context.Context, q postgresQuerier, collection, id string) (*Document, error) {
	var version int64
	var raw []byte
	row := q.QueryRow(ctx, `SELECT version, fields FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err := row.Scan(&version, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{}
		}
		return nil, classifyPostgresError(err)
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document fields: %v", err)
	}
	return &Document{
		ID:      id,
		Version: version,
		Fields:  fields,
	}, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document fields: %v", err)
	}

	q := `
	INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3);
	`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, q, collection, id, raw); err != nil {
		return nil, classifyPostgresError(err)
	}
	if err := postgresNotify(ctx, tx, collection, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPostgresError(err)
	}

	return &Document{
		ID:      id,
		Version: 1,
		Fields:  copyFields(fields),
	}, nil
}

func (s *PostgresStore) QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]*Document, error) {
	q := `SELECT id, version, fields FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			predicate, err := json.Marshal(map[string]interface{}{f.Field: f.Value})
			if err != nil {
				return nil, fmt.Errorf("failed to encode filter: %v", err)
			}
			args = append(args, predicate)
			q += fmt.Sprintf(" AND fields @> $%d::jsonb", len(args))
		case OpArrayContains:
			predicate, err := json.Marshal([]interface{}{f.Value})
			if err != nil {
				return nil, fmt.Errorf("failed to encode filter: %v", err)
			}
			args = append(args, f.Field, predicate)
			q += fmt.Sprintf(" AND (fields -> $%d::text) @> $%d::jsonb", len(args)-1, len(args))
		default:
			return nil, fmt.Errorf("unsupported filter op: %s", f.Op)
		}
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id string
		var version int64
		var raw []byte
		if err := rows.Scan(&id, &version, &raw); err != nil {
			return nil, classifyPostgresError(err)
		}
		fields := make(map[string]interface{})
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode document fields: %v", err)
		}
		docs = append(docs, &Document{
			ID:      id,
			Version: version,
			Fields:  fields,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err)
	}
	return docs, nil
}

func (s *PostgresStore) ConditionalUpdate(ctx context.Context, collection, id string, fields map[string]interface{}, expectedVersion int64) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %v", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgresError(err)
	}
	defer tx.Rollback(ctx)

	q := `
	UPDATE documents SET fields = fields || $4::jsonb, version = version + 1
	WHERE collection = $1 AND id = $2 AND version = $3;
	`
	tag, err := tx.Exec(ctx, q, collection, id, expectedVersion, raw)
	if err != nil {
		return classifyPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing document from a lost race.
		if _, err := postgresGet(ctx, tx, collection, id); err != nil {
			return err
		}
		return &ErrConflict{}
	}
	if err := postgresNotify(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (s *PostgresStore) MergeUpdate(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %v", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgresError(err)
	}
	defer tx.Rollback(ctx)

	q := `
	INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3)
	ON CONFLICT (collection, id)
	DO UPDATE SET fields = documents.fields || EXCLUDED.fields, version = documents.version + 1;
	`
	if _, err := tx.Exec(ctx, q, collection, id, raw); err != nil {
		return classifyPostgresError(err)
	}
	if err := postgresNotify(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, collection, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgresError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return classifyPostgresError(err)
	}
	if err := postgresNotify(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

// Subscribe opens a dedicated listening connection for the document. The
// connection listens before the initial read so no commit is missed; a
// notification observed between the two may deliver the same state twice,
// which per-document ordering allows.
func (s *PostgresStore) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	conn, err := pgx.Connect(ctx, s.connStr)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+postgresNotifyChannel); err != nil {
		conn.Close(ctx)
		return nil, classifyPostgresError(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &postgresSubscription{
		out:    make(chan Snapshot),
		cancel: cancel,
	}
	key := documentKey(collection, id)

	go func() {
		defer close(sub.out)
		defer func() {
			conn.Close(context.Background())
		}()

		if !sub.deliver(ctx, conn, collection, id) {
			return
		}
		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					sub.setErr(classifyPostgresError(err))
				}
				return
			}
			if notification.Payload != key {
				continue
			}
			if !sub.deliver(ctx, conn, collection, id) {
				return
			}
		}
	}()
	return sub, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func postgresNotify(ctx context.Context, tx pgx.Tx, collection, id string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, documentKey(collection, id)); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

type postgresSubscription struct {
	out    chan Snapshot
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

var _ Subscription = &postgresSubscription{}

// deliver re-reads the document and pushes a snapshot. It returns false
// when the subscription should stop.
func (s *postgresSubscription) deliver(ctx context.Context, conn *pgx.Conn, collection, id string) bool {
	snap := Snapshot{}
	doc, err := postgresGet(ctx, conn, collection, id)
	switch {
	case err == nil:
		snap = Snapshot{Exists: true, Document: doc}
	case IsNotFound(err):
		snap = Snapshot{Exists: false}
	default:
		if ctx.Err() == nil {
			s.setErr(err)
		}
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case s.out <- snap:
		return true
	}
}

func (s *postgresSubscription) Snapshots() <-chan Snapshot {
	return s.out
}

func (s *postgresSubscription) Cancel() {
	s.cancel()
}

func (s *postgresSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *postgresSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func classifyPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &ErrConflict{}
		case "40001": // serialization_failure
			return &ErrConflict{}
		}
		return fmt.Errorf("postgres error: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrTransient{Err: err}
	}
	return fmt.Errorf("postgres error: %v", err)
}
