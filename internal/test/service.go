package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/notanend/hexbag/internal/authz"
	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/token"
)

const (
	// Collection holds the singleton Test document.
	Collection = "tests"
	// DocumentKey is the singleton's key. At most one Test is active at a
	// time, so the document is either present or absent.
	DocumentKey = "activeTest"
)

// casRetries bounds optimistic-write retries against versioned backends.
const casRetries = 5

// ErrNotPermitted is the sentinel for a denied authorization decision.
// Denials returned by Service mutations carry the denial reason in
// their metadata and match this error under errors.Is.
var ErrNotPermitted = apperrors.New(apperrors.CodeActionNotPermitted, "action not permitted")

// ErrNoActiveTest indicates a mutation against an absent Test document.
var ErrNoActiveTest = apperrors.New(apperrors.CodeTestNotFound, "no active test")

// Service mediates every Test mutation: it reads the current document,
// checks the actor against the authorization gate, applies the pure
// transition, and writes the full replacement back.
//
// On backends implementing store.VersionedStore the read-modify-write
// cycle uses compare-and-set with a bounded retry, so two racing draws
// can never both claim the same token. Plain backends fall back to
// last-write-wins.
type Service struct {
	store store.DocumentStore
	rng   *rand.Rand
	now   func() time.Time
}

// NewService creates a Test service over the given backend. The random
// source drives hidden-token colors and draw selection; tests inject a
// seeded source for reproducibility.
func NewService(s store.DocumentStore, rng *rand.Rand) *Service {
	return &Service{store: s, rng: rng, now: time.Now}
}

// Get returns the active Test, or ErrNoActiveTest when the document is
// absent. A document that fails to decode is treated as absent rather
// than poisoning every reader.
func (s *Service) Get(ctx context.Context) (Test, error) {
	t, _, err := s.load(ctx)
	if err != nil {
		return Test{}, err
	}
	if t == nil {
		return Test{}, ErrNoActiveTest
	}
	return *t, nil
}

// Create starts a new Test, replacing any active one.
func (s *Service) Create(ctx context.Context, actor authz.Actor, target, difficultyValue string, helpers []string, hasConfusionComplication bool) (Test, error) {
	if d := authz.Can(actor, authz.ActionCreate, authz.TestView{}); !d.Allowed {
		return Test{}, denied(d)
	}
	difficulty, ok := DifficultyByValue(difficultyValue)
	if !ok {
		return Test{}, ErrInvalidDifficulty
	}
	created, err := New(target, difficulty, helpers, hasConfusionComplication, s.rng, s.now())
	if err != nil {
		return Test{}, err
	}
	created.Revision = 1
	value, err := json.Marshal(created)
	if err != nil {
		return Test{}, fmt.Errorf("encode test: %w", err)
	}
	// Create replaces whatever is active, so an unconditional write is correct.
	if err := s.store.SetDocument(ctx, Collection, DocumentKey, value); err != nil {
		return Test{}, fmt.Errorf("write test: %w", err)
	}
	return created, nil
}

// Clear deletes the active Test. Other clients observe the deletion
// through their subscriptions; any of their in-flight writes that race
// the clear land on the deleted key and resurrect nothing, because every
// mutation here re-reads the document first and fails with
// ErrNoActiveTest when it is gone.
func (s *Service) Clear(ctx context.Context, actor authz.Actor) error {
	t, _, err := s.load(ctx)
	if err != nil {
		return err
	}
	if d := authz.Can(actor, authz.ActionClear, t.AuthView()); !d.Allowed {
		return denied(d)
	}
	if err := s.store.DeleteDocument(ctx, Collection, DocumentKey); err != nil {
		return fmt.Errorf("delete test: %w", err)
	}
	return nil
}

// Shuffle locks the bag for drawing.
func (s *Service) Shuffle(ctx context.Context, actor authz.Actor) (Test, error) {
	return s.update(ctx, actor, authz.ActionShuffle, func(t Test) (Test, error) {
		return Shuffle(t)
	})
}

// AddGreen appends one green token. Target or helper, pre-shuffle only.
func (s *Service) AddGreen(ctx context.Context, actor authz.Actor) (Test, error) {
	return s.update(ctx, actor, authz.ActionAddToken, func(t Test) (Test, error) {
		return AddGreen(t, 1)
	})
}

// AddGreenDouble appends two green tokens in a single write, the bonus
// for consuming a banked success from the grid.
func (s *Service) AddGreenDouble(ctx context.Context, actor authz.Actor) (Test, error) {
	return s.update(ctx, actor, authz.ActionAddToken, func(t Test) (Test, error) {
		return AddGreen(t, 2)
	})
}

// AddMisfortuneComplications appends count labeled red tokens.
func (s *Service) AddMisfortuneComplications(ctx context.Context, actor authz.Actor, label string, count int) (Test, error) {
	return s.update(ctx, actor, authz.ActionAddComplications, func(t Test) (Test, error) {
		return AddComplications(t, label, count)
	})
}

// Draw pulls one token from the bag. The drawn token is returned along
// with the updated Test; drawn=false with a nil error means the bag was
// already empty when the write landed.
func (s *Service) Draw(ctx context.Context, actor authz.Actor) (Test, token.Token, bool, error) {
	var picked token.Token
	var drew bool
	updated, err := s.update(ctx, actor, authz.ActionDraw, func(t Test) (Test, error) {
		next, tok, ok, err := Draw(t, s.rng)
		if err != nil {
			return Test{}, err
		}
		picked, drew = tok, ok
		return next, nil
	})
	if err != nil {
		return Test{}, token.Token{}, false, err
	}
	return updated, picked, drew, nil
}

// RemoveFromDrawn drops a token from the drawn sequence after it has been
// consumed by placement. Idempotent.
func (s *Service) RemoveFromDrawn(ctx context.Context, actor authz.Actor, tokenID string) (Test, error) {
	return s.update(ctx, actor, authz.ActionPlace, func(t Test) (Test, error) {
		return RemoveDrawn(t, tokenID), nil
	})
}

// Subscribe delivers the active Test (nil when absent) immediately and
// after every write, in write order, until unsubscribed.
func (s *Service) Subscribe(ctx context.Context, onChange func(t *Test)) (store.Unsubscribe, error) {
	return s.store.SubscribeDocument(ctx, Collection, DocumentKey, func(value []byte, present bool) {
		if !present {
			onChange(nil)
			return
		}
		t, ok := decode(value)
		if !ok {
			onChange(nil)
			return
		}
		onChange(t)
	})
}

// update runs one authorized read-modify-write cycle. With a versioned
// backend it retries on conflict from a fresh read, so transitions are
// always applied to the state they validated against.
func (s *Service) update(ctx context.Context, actor authz.Actor, action authz.Action, apply func(Test) (Test, error)) (Test, error) {
	versioned, _ := s.store.(store.VersionedStore)

	for attempt := 0; ; attempt++ {
		t, version, err := s.load(ctx)
		if err != nil {
			return Test{}, err
		}
		if d := authz.Can(actor, action, t.AuthView()); !d.Allowed {
			return Test{}, denied(d)
		}
		if t == nil {
			return Test{}, ErrNoActiveTest
		}

		next, err := apply(*t)
		if err != nil {
			return Test{}, err
		}
		next.Revision = t.Revision + 1

		value, err := json.Marshal(next)
		if err != nil {
			return Test{}, fmt.Errorf("encode test: %w", err)
		}

		if versioned == nil {
			if err := s.store.SetDocument(ctx, Collection, DocumentKey, value); err != nil {
				return Test{}, fmt.Errorf("write test: %w", err)
			}
			return next, nil
		}

		err = versioned.SetIfVersion(ctx, Collection, DocumentKey, value, version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return Test{}, fmt.Errorf("write test: %w", err)
		}
		if attempt+1 >= casRetries {
			return Test{}, fmt.Errorf("write test after %d attempts: %w", casRetries, err)
		}
	}
}

// load returns the decoded Test (nil when absent or malformed) and the
// store version of the raw document for conditional writes.
func (s *Service) load(ctx context.Context) (*Test, int64, error) {
	if versioned, ok := s.store.(store.VersionedStore); ok {
		v, err := versioned.GetVersioned(ctx, Collection, DocumentKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read test: %w", err)
		}
		t, _ := decode(v.Value)
		return t, v.Version, nil
	}

	value, err := s.store.GetDocument(ctx, Collection, DocumentKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read test: %w", err)
	}
	t, _ := decode(value)
	return t, 0, nil
}

func decode(value []byte) (*Test, bool) {
	var t Test
	if err := json.Unmarshal(value, &t); err != nil {
		log.Printf("discarding malformed test document: %v", err)
		return nil, false
	}
	return &t, true
}

func denied(d authz.Decision) error {
	return apperrors.WithMetadata(apperrors.CodeActionNotPermitted, "action not permitted", map[string]string{
		"reason": d.ReasonCode,
	})
}
