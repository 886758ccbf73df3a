package sheet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/notanend/hexbag/internal/store"
)

// Collection holds one document per character, keyed by Key(playerName).
const Collection = "sheets"

// OrderField orders collection reads by player name, matching the
// document key casing rules so listings are stable across backends.
const OrderField = "playerName"

// Service persists character sheets through the document store. Sheets
// are last-write-wins documents; the players' edit surface debounces its
// own saves, so the service performs plain full replacements.
type Service struct {
	store store.DocumentStore
	now   func() time.Time
}

// NewService creates a sheet service over the given backend.
func NewService(s store.DocumentStore) *Service {
	return &Service{store: s, now: time.Now}
}

// Get loads a player's normalized sheet, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, playerName string) (Sheet, error) {
	if playerName == "" {
		return Sheet{}, ErrNameEmpty
	}
	value, err := s.store.GetDocument(ctx, Collection, Key(playerName))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Sheet{}, err
		}
		return Sheet{}, fmt.Errorf("read sheet: %w", err)
	}
	loaded, ok := decode(value)
	if !ok {
		return Sheet{}, store.ErrNotFound
	}
	return *loaded, nil
}

// Exists reports whether a sheet document exists for the player.
func (s *Service) Exists(ctx context.Context, playerName string) (bool, error) {
	_, err := s.Get(ctx, playerName)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save replaces the player's sheet document. The stored identity always
// follows the caller's player name, and the write is stamped with the
// save time.
func (s *Service) Save(ctx context.Context, playerName string, sh Sheet) (Sheet, error) {
	if playerName == "" {
		return Sheet{}, ErrNameEmpty
	}
	normalized := Normalize(sh)
	normalized.PlayerName = playerName
	normalized = Touch(normalized, s.now())

	value, err := json.Marshal(normalized)
	if err != nil {
		return Sheet{}, fmt.Errorf("encode sheet: %w", err)
	}
	if err := s.store.SetDocument(ctx, Collection, Key(playerName), value); err != nil {
		return Sheet{}, fmt.Errorf("write sheet: %w", err)
	}
	return normalized, nil
}

// AllNames lists every player with a sheet, ordered by player name.
func (s *Service) AllNames(ctx context.Context) ([]string, error) {
	sheets, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sheets))
	for _, sh := range sheets {
		if sh.PlayerName != "" {
			names = append(names, sh.PlayerName)
		}
	}
	return names, nil
}

// All returns every sheet, ordered by player name. Malformed documents
// are skipped rather than failing the whole listing.
func (s *Service) All(ctx context.Context) ([]Sheet, error) {
	var sheets []Sheet
	done := make(chan struct{})
	unsubscribe, err := s.store.SubscribeCollection(ctx, Collection, OrderField, func(docs []store.Snapshot) {
		select {
		case <-done:
		default:
			sheets = decodeAll(docs)
			close(done)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	<-done
	unsubscribe()
	return sheets, nil
}

// Subscribe delivers the player's sheet (nil when absent) immediately and
// after every save, until unsubscribed. Malformed documents normalize to
// defaults instead of breaking the subscription.
func (s *Service) Subscribe(ctx context.Context, playerName string, onChange func(sh *Sheet)) (store.Unsubscribe, error) {
	if playerName == "" {
		return nil, ErrNameEmpty
	}
	return s.store.SubscribeDocument(ctx, Collection, Key(playerName), func(value []byte, present bool) {
		if !present {
			onChange(nil)
			return
		}
		loaded, ok := decode(value)
		if !ok {
			fallback := Default(playerName)
			onChange(&fallback)
			return
		}
		onChange(loaded)
	})
}

// SubscribeAll delivers every sheet ordered by player name, immediately
// and after every save to the collection.
func (s *Service) SubscribeAll(ctx context.Context, onChange func(sheets []Sheet)) (store.Unsubscribe, error) {
	return s.store.SubscribeCollection(ctx, Collection, OrderField, func(docs []store.Snapshot) {
		onChange(decodeAll(docs))
	})
}

func decodeAll(docs []store.Snapshot) []Sheet {
	sheets := make([]Sheet, 0, len(docs))
	for _, doc := range docs {
		if loaded, ok := decode(doc.Value); ok {
			sheets = append(sheets, *loaded)
		}
	}
	return sheets
}

func decode(value []byte) (*Sheet, bool) {
	var sh Sheet
	if err := json.Unmarshal(value, &sh); err != nil {
		log.Printf("discarding malformed sheet document: %v", err)
		return nil, false
	}
	normalized := Normalize(sh)
	return &normalized, true
}
