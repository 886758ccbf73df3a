// Package store defines the observable document store contract that the
// Test state machine and the character sheet ledger persist through.
//
// The contract is deliberately small: point reads, full-replace point
// writes, deletion, and push-based subscriptions to one document or to an
// ordered collection. Every conforming backend must deliver an initial
// value immediately on subscription and then every subsequent write,
// including writes from other clients, until unsubscribed.
//
// Writes are last-write-wins full replacements. Two clients writing
// concurrently race, and the loser's intervening state is silently
// discarded. That is an accepted weak-consistency tradeoff for a
// human-paced tabletop aid; backends that can do better additionally
// implement VersionedStore so callers may close the race with a
// compare-and-set retry.
package store

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"

	apperrors "github.com/notanend/hexbag/internal/platform/errors"
)

// ErrNotFound indicates a requested document is absent. Absence is a
// legitimate, observable state (no active Test), distinct from failure.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "document not found")

// ErrVersionConflict indicates a conditional write lost to a concurrent
// writer and should be retried from a fresh read.
var ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "document version conflict")

// ErrClosed indicates the store has been shut down.
var ErrClosed = apperrors.New(apperrors.CodeStoreClosed, "store is closed")

// Unsubscribe stops delivery for a subscription. Safe to call more than once.
type Unsubscribe func()

// Snapshot pairs a document key with its serialized value for collection reads.
type Snapshot struct {
	Key   string
	Value []byte
}

// Versioned pairs a document value with its monotonic write version.
type Versioned struct {
	Value   []byte
	Version int64
}

// Write describes one entry of a multi-document batch.
type Write struct {
	Collection string
	Key        string
	Value      []byte
	Delete     bool
}

// DocumentStore is the only persistence boundary the core depends on.
type DocumentStore interface {
	// Kind names the backend ("memory", "sqlite", "remote") for display.
	Kind() string

	// GetDocument returns the current serialized value, or ErrNotFound.
	GetDocument(ctx context.Context, collection, key string) ([]byte, error)

	// SetDocument fully replaces the document value. Not a merge.
	SetDocument(ctx context.Context, collection, key string, value []byte) error

	// DeleteDocument removes the document. Deleting an absent document is a no-op.
	DeleteDocument(ctx context.Context, collection, key string) error

	// SubscribeDocument delivers the current value (present=false when
	// absent) immediately, then every subsequent write or deletion, in
	// write order, until unsubscribed.
	SubscribeDocument(ctx context.Context, collection, key string, onChange func(value []byte, present bool)) (Unsubscribe, error)

	// SubscribeCollection delivers the full collection ordered by
	// orderField immediately, then again after every write to the
	// collection, until unsubscribed.
	SubscribeCollection(ctx context.Context, collection, orderField string, onChange func(docs []Snapshot)) (Unsubscribe, error)
}

// VersionedStore is an optional extension for optimistic concurrency.
// Versions start at 1 on first write; expect=0 means "create only if absent".
type VersionedStore interface {
	GetVersioned(ctx context.Context, collection, key string) (Versioned, error)
	SetIfVersion(ctx context.Context, collection, key string, value []byte, expect int64) error
}

// BatchWriter is an optional extension applying several writes atomically.
// The two-step "consume drawn token, place on sheet" sequence uses it when
// the backend offers it, so a crash cannot strand a token between documents.
type BatchWriter interface {
	ApplyBatch(ctx context.Context, writes []Write) error
}

var orderFieldPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidOrderField reports whether field is usable as a collection sort key.
func ValidOrderField(field string) bool {
	return orderFieldPattern.MatchString(field)
}

// SortSnapshots orders docs by the named top-level JSON field, ascending.
// Documents missing the field, or with non-comparable values, sort by key.
// All backends share this comparator so collection ordering is identical
// regardless of the configured backend.
func SortSnapshots(docs []Snapshot, field string) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := extractField(docs[i].Value, field)
		b, bok := extractField(docs[j].Value, field)
		if aok && bok {
			switch av := a.(type) {
			case string:
				if bv, ok := b.(string); ok {
					if av != bv {
						return av < bv
					}
					return docs[i].Key < docs[j].Key
				}
			case float64:
				if bv, ok := b.(float64); ok {
					if av != bv {
						return av < bv
					}
					return docs[i].Key < docs[j].Key
				}
			}
		}
		return docs[i].Key < docs[j].Key
	})
}

func extractField(value []byte, field string) (any, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, false
	}
	raw, ok := doc[field]
	if !ok {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case string, float64:
		return out, true
	}
	return nil, false
}
