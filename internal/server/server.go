// Package server exposes a document store over websockets so browser and
// remote clients share one table. Each connected client issues store
// operations and holds subscriptions; writes fan out to every subscriber
// through the backing store's own notification path, so a client observes
// its peers' writes exactly as it observes its own.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the sync endpoint over one backing store.
type Server struct {
	store store.DocumentStore

	mu      sync.Mutex
	clients map[*client]bool
}

// New creates a sync server over the given backend.
func New(s store.DocumentStore) *Server {
	return &Server{
		store:   s,
		clients: make(map[*client]bool),
	}
}

// Router builds the HTTP routes: the websocket sync endpoint and a
// health probe.
func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/sync", s.serveSync)
	router.GET("/healthz", s.serveHealth)
	return router
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok: " + s.store.Kind() + "\n")); err != nil {
		log.Println("healthz write error:", err)
	}
}

func (s *Server) serveSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade error:", err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan any, 64),
		subs:   make(map[int64]store.Unsubscribe),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go c.writePump()
	c.readPump(r.Context())
}

// Close drops every connected client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan any

	mu     sync.Mutex
	closed bool
	subs   map[int64]store.Unsubscribe
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.unsubscribeAll()
		c.server.drop(c)
		c.conn.Close()
	}()

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		c.handle(ctx, req)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// push queues a message for the client. A full queue means the client has
// stopped reading; it gets disconnected rather than blocking the store's
// notification path. Subscription callbacks keep delivering until their
// unsubscribe lands, so push must stay safe after drop closes the queue.
func (c *client) push(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.conn.Close()
	}
}

func (c *client) handle(ctx context.Context, req Request) {
	switch req.Op {
	case OpGet:
		value, err := c.server.store.GetDocument(ctx, req.Collection, req.Key)
		if errors.Is(err, store.ErrNotFound) {
			c.push(Result{Type: TypeResult, ID: req.ID, Present: false})
			return
		}
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.push(Result{Type: TypeResult, ID: req.ID, Value: value, Present: true})

	case OpSet:
		if err := c.server.store.SetDocument(ctx, req.Collection, req.Key, req.Value); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.push(Result{Type: TypeResult, ID: req.ID})

	case OpDelete:
		if err := c.server.store.DeleteDocument(ctx, req.Collection, req.Key); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.push(Result{Type: TypeResult, ID: req.ID})

	case OpBatch:
		c.handleBatch(ctx, req)

	case OpSubscribeDoc:
		c.handleSubscribeDoc(ctx, req)

	case OpSubscribeCollection:
		c.handleSubscribeCollection(ctx, req)

	case OpUnsubscribe:
		c.mu.Lock()
		unsubscribe, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if ok {
			unsubscribe()
		}
		c.push(Result{Type: TypeResult, ID: req.ID})

	default:
		c.push(Result{Type: TypeResult, ID: req.ID, Error: "unknown op " + req.Op})
	}
}

func (c *client) handleBatch(ctx context.Context, req Request) {
	writes := make([]store.Write, 0, len(req.Writes))
	for _, entry := range req.Writes {
		writes = append(writes, store.Write{
			Collection: entry.Collection,
			Key:        entry.Key,
			Value:      entry.Value,
			Delete:     entry.Delete,
		})
	}

	if batcher, ok := c.server.store.(store.BatchWriter); ok {
		if err := batcher.ApplyBatch(ctx, writes); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.push(Result{Type: TypeResult, ID: req.ID})
		return
	}

	// No batch support in the backend: apply sequentially.
	for _, w := range writes {
		var err error
		if w.Delete {
			err = c.server.store.DeleteDocument(ctx, w.Collection, w.Key)
		} else {
			err = c.server.store.SetDocument(ctx, w.Collection, w.Key, w.Value)
		}
		if err != nil {
			c.fail(req.ID, err)
			return
		}
	}
	c.push(Result{Type: TypeResult, ID: req.ID})
}

func (c *client) handleSubscribeDoc(ctx context.Context, req Request) {
	subID := req.ID
	unsubscribe, err := c.server.store.SubscribeDocument(ctx, req.Collection, req.Key, func(value []byte, present bool) {
		c.push(DocEvent{Type: TypeDoc, Sub: subID, Value: value, Present: present})
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.mu.Lock()
	c.subs[subID] = unsubscribe
	c.mu.Unlock()
	c.push(Result{Type: TypeResult, ID: req.ID})
}

func (c *client) handleSubscribeCollection(ctx context.Context, req Request) {
	subID := req.ID
	unsubscribe, err := c.server.store.SubscribeCollection(ctx, req.Collection, req.OrderField, func(docs []store.Snapshot) {
		bodies := make([]DocBody, 0, len(docs))
		for _, doc := range docs {
			bodies = append(bodies, DocBody{Key: doc.Key, Value: doc.Value})
		}
		c.push(CollectionEvent{Type: TypeCollection, Sub: subID, Docs: bodies})
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.mu.Lock()
	c.subs[subID] = unsubscribe
	c.mu.Unlock()
	c.push(Result{Type: TypeResult, ID: req.ID})
}

func (c *client) fail(id int64, err error) {
	result := Result{Type: TypeResult, ID: id, Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		result.Code = string(appErr.Code)
	}
	c.push(result)
}

func (c *client) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[int64]store.Unsubscribe{}
	c.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
}
