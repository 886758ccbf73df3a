// Package memory implements the document store contract in process
// memory. It is the single-process fallback backend: nothing survives a
// restart, but subscription fanout behaves exactly like the durable
// backends, so the core and its tests cannot tell the difference.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/store/pubsub"
)

type entry struct {
	value   []byte
	version int64
}

// Store is an in-memory DocumentStore with versioned and batch extensions.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]entry
	hub         *pubsub.Hub
	orderFields map[string]string
}

var (
	_ store.DocumentStore  = (*Store)(nil)
	_ store.VersionedStore = (*Store)(nil)
	_ store.BatchWriter    = (*Store)(nil)
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]entry),
		hub:         pubsub.NewHub(),
		orderFields: make(map[string]string),
	}
}

// Kind names the backend for display.
func (s *Store) Kind() string { return "memory" }

// GetDocument returns the current value or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.collections[collection][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneValue(e.value), nil
}

// GetVersioned returns the current value with its write version.
func (s *Store) GetVersioned(ctx context.Context, collection, key string) (store.Versioned, error) {
	if err := ctx.Err(); err != nil {
		return store.Versioned{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.collections[collection][key]
	if !ok {
		return store.Versioned{}, store.ErrNotFound
	}
	return store.Versioned{Value: cloneValue(e.value), Version: e.version}, nil
}

// SetDocument fully replaces the document and notifies subscribers.
func (s *Store) SetDocument(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, key, value)
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
	e, ok := s.collections[collection][key]
	current := int64(0)
	if ok {
		current = e.version
	}
	if current != expect {
		return store.ErrVersionConflict
	}
	s.putLocked(collection, key, value)
	return nil
}

// DeleteDocument removes the document; deleting an absent key is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(collection, key)
	return nil
}

// ApplyBatch applies every write before any notification goes out, so
// subscribers observe the batch as a consistent unit per document.
func (s *Store) ApplyBatch(ctx context.Context, writes []store.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			s.deleteLocked(w.Collection, w.Key)
			continue
		}
		s.putLocked(w.Collection, w.Key, w.Value)
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
	if e, ok := s.collections[collection][key]; ok {
		initial = pubsub.DocEvent{Value: cloneValue(e.value), Present: true}
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
	// Later subscribers reuse the first order field registered for the
	// collection; the callers here always pass the same one per collection.
	s.orderFields[collection] = orderField
	unsub := s.hub.SubscribeCollection(collection, s.snapshotLocked(collection, orderField), onChange)
	return unsub, nil
}

func (s *Store) putLocked(collection, key string, value []byte) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]entry)
	}
	version := s.collections[collection][key].version + 1
	s.collections[collection][key] = entry{value: cloneValue(value), version: version}
	s.hub.PublishDoc(collection, key, pubsub.DocEvent{Value: cloneValue(value), Present: true})
	s.publishCollectionLocked(collection)
}

func (s *Store) deleteLocked(collection, key string) {
	if _, ok := s.collections[collection][key]; !ok {
		return
	}
	delete(s.collections[collection], key)
	s.hub.PublishDoc(collection, key, pubsub.DocEvent{Present: false})
	s.publishCollectionLocked(collection)
}

func (s *Store) publishCollectionLocked(collection string) {
	if !s.hub.HasCollectionSubscribers(collection) {
		return
	}
	s.hub.PublishCollection(collection, s.snapshotLocked(collection, s.orderFields[collection]))
}

func (s *Store) snapshotLocked(collection, orderField string) []store.Snapshot {
	docs := make([]store.Snapshot, 0, len(s.collections[collection]))
	for key, e := range s.collections[collection] {
		docs = append(docs, store.Snapshot{Key: key, Value: cloneValue(e.value)})
	}
	store.SortSnapshots(docs, orderField)
	return docs
}

func cloneValue(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
