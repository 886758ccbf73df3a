// Package sqlite implements the document store contract on a SQLite file.
//
// It is the durable backend: documents survive restarts, every write bumps
// a monotonic per-document version for optimistic concurrency, and batch
// writes commit in one transaction. Subscription fanout is in-process;
// remote clients observe it through the table server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notanend/hexbag/internal/platform/storage/sqlitemigrate"
	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/store/pubsub"
	"github.com/notanend/hexbag/internal/store/sqlite/migrations"
)

// Store is a SQLite-backed DocumentStore with versioned and batch extensions.
type Store struct {
	sqlDB *sql.DB
	hub   *pubsub.Hub

	// mu serializes write+notify so subscribers observe writes in commit order.
	mu          sync.Mutex
	orderFields map[string]string
}

var (
	_ store.DocumentStore  = (*Store)(nil)
	_ store.VersionedStore = (*Store)(nil)
	_ store.BatchWriter    = (*Store)(nil)
)

// Open opens (creating if needed) a document store at the provided path
// and applies embedded migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate documents schema: %w", err)
	}
	return &Store{
		sqlDB:       sqlDB,
		hub:         pubsub.NewHub(),
		orderFields: make(map[string]string),
	}, nil
}

// Close closes the underlying database. Nil-safe so callers can defer it
// in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Kind names the backend for display.
func (s *Store) Kind() string { return "sqlite" }

// GetDocument returns the current value or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, collection, key string) ([]byte, error) {
	v, err := s.GetVersioned(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// GetVersioned returns the current value with its write version.
func (s *Store) GetVersioned(ctx context.Context, collection, key string) (store.Versioned, error) {
	if err := ctx.Err(); err != nil {
		return store.Versioned{}, err
	}
	var body string
	var version int64
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT body, version FROM documents WHERE collection = ? AND key = ?", collection, key)
	if err := row.Scan(&body, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Versioned{}, store.ErrNotFound
		}
		return store.Versioned{}, fmt.Errorf("get document: %w", err)
	}
	return store.Versioned{Value: []byte(body), Version: version}, nil
}

// SetDocument fully replaces the document and notifies subscribers.
func (s *Store) SetDocument(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsert(ctx, s.sqlDB, collection, key, value); err != nil {
		return err
	}
	s.notifyWrite(ctx, collection, key, value)
	return nil
}

// SetIfVersion replaces the document only when the stored version matches
// expect. Expect 0 means "create only if absent".
func (s *Store) SetIfVersion(ctx context.Context, collection, key string, value []byte, expect int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result sql.Result
	var err error
	if expect == 0 {
		result, err = s.sqlDB.ExecContext(ctx,
			`INSERT INTO documents (collection, key, body, version, updated_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (collection, key) DO NOTHING`,
			collection, key, string(value), nowMillis())
	} else {
		result, err = s.sqlDB.ExecContext(ctx,
			`UPDATE documents SET body = ?, version = version + 1, updated_at = ?
			 WHERE collection = ? AND key = ? AND version = ?`,
			string(value), nowMillis(), collection, key, expect)
	}
	if err != nil {
		return fmt.Errorf("conditional set: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional set result: %w", err)
	}
	if affected == 0 {
		return store.ErrVersionConflict
	}
	s.notifyWrite(ctx, collection, key, value)
	return nil
}

// DeleteDocument removes the document; deleting an absent key is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND key = ?", collection, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if affected > 0 {
		s.notifyDelete(ctx, collection, key)
	}
	return nil
}

// ApplyBatch commits every write in one transaction, then notifies.
func (s *Store) ApplyBatch(ctx context.Context, writes []store.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, w := range writes {
		if w.Delete {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM documents WHERE collection = ? AND key = ?", w.Collection, w.Key); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("batch delete: %w", err)
			}
			continue
		}
		if err := s.upsert(ctx, tx, w.Collection, w.Key, w.Value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	for _, w := range writes {
		if w.Delete {
			s.notifyDelete(ctx, w.Collection, w.Key)
			continue
		}
		s.notifyWrite(ctx, w.Collection, w.Key, w.Value)
	}
	return nil
}

// SubscribeDocument registers onChange and delivers the current state first.
func (s *Store) SubscribeDocument(ctx context.Context, collection, key string, onChange func(value []byte, present bool)) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	initial := pubsub.DocEvent{}
	if v, err := s.GetVersioned(ctx, collection, key); err == nil {
		initial = pubsub.DocEvent{Value: v.Value, Present: true}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	unsub := s.hub.SubscribeDoc(collection, key, initial, func(ev pubsub.DocEvent) {
		onChange(ev.Value, ev.Present)
	})
	return unsub, nil
}

// SubscribeCollection registers onChange for ordered collection snapshots.
func (s *Store) SubscribeCollection(ctx context.Context, collection, orderField string, onChange func(docs []store.Snapshot)) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !store.ValidOrderField(orderField) {
		return nil, fmt.Errorf("invalid order field %q", orderField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderFields[collection] = orderField
	initial, err := s.snapshot(ctx, collection, orderField)
	if err != nil {
		return nil, err
	}
	unsub := s.hub.SubscribeCollection(collection, initial, onChange)
	return unsub, nil
}

func (s *Store) upsert(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, collection, key string, value []byte) error {
	_, err := execer.ExecContext(ctx,
		`INSERT INTO documents (collection, key, body, version, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (collection, key) DO UPDATE SET
		   body = excluded.body,
		   version = documents.version + 1,
		   updated_at = excluded.updated_at`,
		collection, key, string(value), nowMillis())
	if err != nil {
		return fmt.Errorf("set document: %w", err)
	}
	return nil
}

func (s *Store) notifyWrite(ctx context.Context, collection, key string, value []byte) {
	s.hub.PublishDoc(collection, key, pubsub.DocEvent{Value: append([]byte(nil), value...), Present: true})
	s.notifyCollection(ctx, collection)
}

func (s *Store) notifyDelete(ctx context.Context, collection, key string) {
	s.hub.PublishDoc(collection, key, pubsub.DocEvent{Present: false})
	s.notifyCollection(ctx, collection)
}

func (s *Store) notifyCollection(ctx context.Context, collection string) {
	if !s.hub.HasCollectionSubscribers(collection) {
		return
	}
	docs, err := s.snapshot(ctx, collection, s.orderFields[collection])
	if err != nil {
		return
	}
	s.hub.PublishCollection(collection, docs)
}

func (s *Store) snapshot(ctx context.Context, collection, orderField string) ([]store.Snapshot, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT key, body FROM documents WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("list collection: %w", err)
	}
	defer rows.Close()

	var docs []store.Snapshot
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("scan collection row: %w", err)
		}
		docs = append(docs, store.Snapshot{Key: key, Value: []byte(body)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection: %w", err)
	}
	store.SortSnapshots(docs, orderField)
	return docs, nil
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
