// Package remote implements the document store contract over a websocket
// connection to a sync server. It lets a thin client join a table hosted
// elsewhere while the rest of the program keeps talking to the same
// store interface it would use against a local backend.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/server"
	"github.com/notanend/hexbag/internal/store"
)

// Store is a client connection to a sync server. Safe for concurrent use.
type Store struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan server.Result
	docSubs map[int64]func(value []byte, present bool)
	colSubs map[int64]func(docs []store.Snapshot)
	closed  bool

	done chan struct{}
}

// Dial connects to a sync server's websocket endpoint, e.g.
// ws://host:port/sync.
func Dial(ctx context.Context, url string) (*Store, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &Store{
		conn:    conn,
		pending: make(map[int64]chan server.Result),
		docSubs: make(map[int64]func(value []byte, present bool)),
		colSubs: make(map[int64]func(docs []store.Snapshot)),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Kind identifies the backend.
func (s *Store) Kind() string { return "remote" }

// Close drops the connection. In-flight requests fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// GetDocument fetches the current value, or store.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, collection, key string) ([]byte, error) {
	result, err := s.request(ctx, server.Request{Op: server.OpGet, Collection: collection, Key: key})
	if err != nil {
		return nil, err
	}
	if !result.Present {
		return nil, store.ErrNotFound
	}
	return result.Value, nil
}

// SetDocument fully replaces the document on the server.
func (s *Store) SetDocument(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.request(ctx, server.Request{Op: server.OpSet, Collection: collection, Key: key, Value: value})
	return err
}

// DeleteDocument removes the document on the server.
func (s *Store) DeleteDocument(ctx context.Context, collection, key string) error {
	_, err := s.request(ctx, server.Request{Op: server.OpDelete, Collection: collection, Key: key})
	return err
}

// ApplyBatch forwards the batch to the server, which applies it against
// its own backend, atomically when that backend supports it.
func (s *Store) ApplyBatch(ctx context.Context, writes []store.Write) error {
	entries := make([]server.BatchEntry, 0, len(writes))
	for _, w := range writes {
		entries = append(entries, server.BatchEntry{
			Collection: w.Collection,
			Key:        w.Key,
			Value:      w.Value,
			Delete:     w.Delete,
		})
	}
	_, err := s.request(ctx, server.Request{Op: server.OpBatch, Writes: entries})
	return err
}

// SubscribeDocument registers for pushes of one document. The server
// sends the current value first, then every write, in order.
func (s *Store) SubscribeDocument(ctx context.Context, collection, key string, onChange func(value []byte, present bool)) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.nextID++
	id := s.nextID
	resultCh := make(chan server.Result, 1)
	s.pending[id] = resultCh
	// Registered before the request goes out: the initial push may beat
	// the acknowledgement.
	s.docSubs[id] = onChange
	s.mu.Unlock()

	req := server.Request{Op: server.OpSubscribeDoc, ID: id, Collection: collection, Key: key}
	if err := s.await(ctx, id, resultCh, req); err != nil {
		s.dropSub(id)
		return nil, err
	}
	return func() { s.unsubscribe(id) }, nil
}

// SubscribeCollection registers for ordered pushes of a whole collection.
func (s *Store) SubscribeCollection(ctx context.Context, collection, orderField string, onChange func(docs []store.Snapshot)) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.nextID++
	id := s.nextID
	resultCh := make(chan server.Result, 1)
	s.pending[id] = resultCh
	s.colSubs[id] = onChange
	s.mu.Unlock()

	req := server.Request{Op: server.OpSubscribeCollection, ID: id, Collection: collection, OrderField: orderField}
	if err := s.await(ctx, id, resultCh, req); err != nil {
		s.dropSub(id)
		return nil, err
	}
	return func() { s.unsubscribe(id) }, nil
}

// request sends one op and waits for its result.
func (s *Store) request(ctx context.Context, req server.Request) (server.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return server.Result{}, store.ErrClosed
	}
	s.nextID++
	req.ID = s.nextID
	resultCh := make(chan server.Result, 1)
	s.pending[req.ID] = resultCh
	s.mu.Unlock()

	if err := s.send(req); err != nil {
		return server.Result{}, err
	}
	select {
	case result := <-resultCh:
		return result, resultError(result)
	case <-s.done:
		return server.Result{}, store.ErrClosed
	case <-ctx.Done():
		s.dropPending(req.ID)
		return server.Result{}, ctx.Err()
	}
}

func (s *Store) send(req server.Request) error {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.dropPending(req.ID)
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// await writes a pre-assigned request and waits for its acknowledgement.
func (s *Store) await(ctx context.Context, id int64, resultCh chan server.Result, req server.Request) error {
	if err := s.send(req); err != nil {
		return err
	}
	select {
	case result := <-resultCh:
		return resultError(result)
	case <-s.done:
		return store.ErrClosed
	case <-ctx.Done():
		s.dropPending(id)
		return ctx.Err()
	}
}

func (s *Store) unsubscribe(id int64) {
	s.mu.Lock()
	_, active := s.docSubs[id]
	if !active {
		_, active = s.colSubs[id]
	}
	delete(s.docSubs, id)
	delete(s.colSubs, id)
	closed := s.closed
	s.mu.Unlock()
	if !active || closed {
		return
	}

	s.writeMu.Lock()
	err := s.conn.WriteJSON(server.Request{Op: server.OpUnsubscribe, ID: -1, Sub: id})
	s.writeMu.Unlock()
	if err != nil {
		// Local delivery already stopped above; the server-side
		// subscription dies with the connection.
		log.Println("unsubscribe write error:", err)
	}
}

func (s *Store) dropSub(id int64) {
	s.mu.Lock()
	delete(s.docSubs, id)
	delete(s.colSubs, id)
	s.mu.Unlock()
}

func (s *Store) dropPending(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// envelope is the union of everything the server sends.
type envelope struct {
	Type    string           `json:"type"`
	ID      int64            `json:"id"`
	Sub     int64            `json:"sub"`
	Value   json.RawMessage  `json:"value"`
	Present bool             `json:"present"`
	Error   string           `json:"error"`
	Code    string           `json:"code"`
	Docs    []server.DocBody `json:"docs"`
}

func (s *Store) readLoop() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.pending = map[int64]chan server.Result{}
		s.docSubs = map[int64]func([]byte, bool){}
		s.colSubs = map[int64]func([]store.Snapshot){}
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		var env envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case server.TypeResult:
			s.mu.Lock()
			resultCh, ok := s.pending[env.ID]
			delete(s.pending, env.ID)
			s.mu.Unlock()
			if ok {
				resultCh <- server.Result{
					Type:    env.Type,
					ID:      env.ID,
					Value:   env.Value,
					Present: env.Present,
					Error:   env.Error,
					Code:    env.Code,
				}
			}

		case server.TypeDoc:
			s.mu.Lock()
			onChange := s.docSubs[env.Sub]
			s.mu.Unlock()
			if onChange != nil {
				onChange(env.Value, env.Present)
			}

		case server.TypeCollection:
			s.mu.Lock()
			onChange := s.colSubs[env.Sub]
			s.mu.Unlock()
			if onChange != nil {
				docs := make([]store.Snapshot, 0, len(env.Docs))
				for _, doc := range env.Docs {
					docs = append(docs, store.Snapshot{Key: doc.Key, Value: doc.Value})
				}
				onChange(docs)
			}
		}
	}
}

// resultError maps a server error payload back to the store's sentinel
// errors where possible.
func resultError(result server.Result) error {
	if result.Error == "" {
		return nil
	}
	switch apperrors.Code(result.Code) {
	case apperrors.CodeNotFound:
		return store.ErrNotFound
	case apperrors.CodeVersionConflict:
		return store.ErrVersionConflict
	case apperrors.CodeStoreClosed:
		return store.ErrClosed
	}
	return fmt.Errorf("remote: %s", result.Error)
}
