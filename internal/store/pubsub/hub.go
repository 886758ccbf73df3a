// Package pubsub fans document change notifications out to in-process
// subscribers. The memory and sqlite backends share it so both deliver
// identical subscription semantics: an initial value on registration,
// then every write in order.
package pubsub

import (
	"sync"

	"github.com/notanend/hexbag/internal/store"
)

// DocEvent is one delivery for a single-document subscription.
type DocEvent struct {
	Value   []byte
	Present bool
}

type docKey struct {
	collection string
	key        string
}

// Hub routes publishes to registered subscribers. Each subscriber drains
// its own FIFO queue on a dedicated goroutine, so a slow consumer never
// blocks a writer and per-subscriber delivery order matches publish order.
type Hub struct {
	mu      sync.Mutex
	nextID  int
	docSubs map[docKey]map[int]*subscriber
	colSubs map[string]map[int]*subscriber
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		docSubs: make(map[docKey]map[int]*subscriber),
		colSubs: make(map[string]map[int]*subscriber),
	}
}

// SubscribeDoc registers onChange for one document and enqueues initial as
// its first delivery. Registration and the initial enqueue are atomic with
// respect to publishes, so no write is missed or reordered.
func (h *Hub) SubscribeDoc(collection, key string, initial DocEvent, onChange func(DocEvent)) store.Unsubscribe {
	sub := newSubscriber(func(payload any) {
		onChange(payload.(DocEvent))
	})

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	dk := docKey{collection: collection, key: key}
	if h.docSubs[dk] == nil {
		h.docSubs[dk] = make(map[int]*subscriber)
	}
	h.docSubs[dk][id] = sub
	sub.enqueue(initial)
	h.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.docSubs[dk], id)
			h.mu.Unlock()
			sub.close()
		})
	}
}

// SubscribeCollection registers onChange for a whole collection and
// enqueues initial as its first delivery.
func (h *Hub) SubscribeCollection(collection string, initial []store.Snapshot, onChange func([]store.Snapshot)) store.Unsubscribe {
	sub := newSubscriber(func(payload any) {
		onChange(payload.([]store.Snapshot))
	})

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.colSubs[collection] == nil {
		h.colSubs[collection] = make(map[int]*subscriber)
	}
	h.colSubs[collection][id] = sub
	sub.enqueue(initial)
	h.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.colSubs[collection], id)
			h.mu.Unlock()
			sub.close()
		})
	}
}

// PublishDoc enqueues a document event for every subscriber of that document.
func (h *Hub) PublishDoc(collection, key string, event DocEvent) {
	h.mu.Lock()
	for _, sub := range h.docSubs[docKey{collection: collection, key: key}] {
		sub.enqueue(event)
	}
	h.mu.Unlock()
}

// PublishCollection enqueues an ordered snapshot list for every collection subscriber.
func (h *Hub) PublishCollection(collection string, docs []store.Snapshot) {
	h.mu.Lock()
	for _, sub := range h.colSubs[collection] {
		sub.enqueue(docs)
	}
	h.mu.Unlock()
}

// HasCollectionSubscribers lets backends skip recomputing collection
// snapshots nobody is listening for.
func (h *Hub) HasCollectionSubscribers(collection string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.colSubs[collection]) > 0
}

// subscriber is a single consumer with an ordered unbounded queue.
type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	closed  bool
	deliver func(any)
}

func newSubscriber(deliver func(any)) *subscriber {
	sub := &subscriber{deliver: deliver}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscriber) enqueue(payload any) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, payload)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(payload)
	}
}
