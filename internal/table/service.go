// Package table composes the Test state machine with the character sheet
// ledger into the actions players and the master actually take at the
// table: starting a Test for a player, clicking grid hexes, clicking
// misfortunes, and moving drawn tokens onto sheet slots.
//
// The Test document and each sheet document are independent units; the
// two-step consume-and-place sequence spans both. On backends offering
// store.BatchWriter both writes land in one atomic batch, so a crash
// between them cannot strand a token. Plain backends fall back to two
// sequential writes, sheet first, so a failure leaves the token still
// drawn rather than lost.
package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/notanend/hexbag/internal/authz"
	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/sheet"
	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/test"
	"github.com/notanend/hexbag/internal/token"
)

// ErrTokenNotDrawn indicates a placement referencing a token absent from
// the active Test's drawn sequence.
var ErrTokenNotDrawn = apperrors.New(apperrors.CodeSheetTokenNotDrawn, "token is not in the drawn sequence")

// Service wires the Test service and the sheet service over one backend.
type Service struct {
	store  store.DocumentStore
	tests  *test.Service
	sheets *sheet.Service
}

// NewService builds the table service. All three collaborators must share
// the same backend for batched placement to be meaningful.
func NewService(s store.DocumentStore, tests *test.Service, sheets *sheet.Service) *Service {
	return &Service{store: s, tests: tests, sheets: sheets}
}

// Tests exposes the underlying Test service.
func (s *Service) Tests() *test.Service { return s.tests }

// Sheets exposes the underlying sheet service.
func (s *Service) Sheets() *sheet.Service { return s.sheets }

// StartTest creates a Test for the target player. The confusion
// complication is read off the target's sheet: a red token sitting on
// the confusion slot injects hidden tokens into the new bag.
func (s *Service) StartTest(ctx context.Context, actor authz.Actor, target, difficultyValue string, helpers []string) (test.Test, error) {
	hasConfusion := false
	targetSheet, err := s.sheets.Get(ctx, target)
	switch {
	case err == nil:
		hasConfusion = targetSheet.HasConfusionComplication()
	case errors.Is(err, store.ErrNotFound):
		// No sheet yet: a plain bag.
	default:
		return test.Test{}, err
	}
	return s.tests.Create(ctx, actor, target, difficultyValue, helpers, hasConfusion)
}

// GridClick handles a click on a grid hex during the pre-shuffle phase.
// A clicked slot holding a banked green token yields two tokens and
// consumes the banked one; any other grid slot yields one.
func (s *Service) GridClick(ctx context.Context, actor authz.Actor, slotKey string) (test.Test, error) {
	if !sheet.GridSlot(slotKey) {
		return test.Test{}, sheet.ErrUnknownSlot
	}

	current, err := s.sheets.Get(ctx, actor.Name)
	if errors.Is(err, store.ErrNotFound) {
		current = sheet.Default(actor.Name)
	} else if err != nil {
		return test.Test{}, err
	}

	banked, ok := current.PlacedToken(slotKey)
	if !ok || banked.Color != token.ColorGreen {
		return s.tests.AddGreen(ctx, actor)
	}

	updated, err := s.tests.AddGreenDouble(ctx, actor)
	if err != nil {
		return test.Test{}, err
	}
	// The banked token is consumed by the bonus.
	if _, err := s.sheets.Save(ctx, actor.Name, sheet.RemovePlaced(current, slotKey)); err != nil {
		return test.Test{}, err
	}
	return updated, nil
}

// MisfortuneClick injects the clicked misfortune's complications into the
// bag as labeled red tokens. A zero counter is a no-op.
func (s *Service) MisfortuneClick(ctx context.Context, actor authz.Actor, index int) (test.Test, error) {
	if index < 0 || index >= sheet.MisfortuneSlots {
		return test.Test{}, fmt.Errorf("misfortune index %d out of range", index)
	}
	current, err := s.sheets.Get(ctx, actor.Name)
	if err != nil {
		return test.Test{}, err
	}
	misfortune := current.Misfortunes[index]
	return s.tests.AddMisfortuneComplications(ctx, actor, misfortune.Text, misfortune.Complications)
}

// PlaceDrawn moves a drawn token onto one of the actor's sheet slots.
// The token leaves the drawn sequence and appears in the ledger in what
// is, when the backend supports batching, a single atomic step.
func (s *Service) PlaceDrawn(ctx context.Context, actor authz.Actor, slotKey, tokenID string) (sheet.Sheet, error) {
	current, err := s.tests.Get(ctx)
	if err != nil {
		return sheet.Sheet{}, err
	}
	if d := authz.Can(actor, authz.ActionPlace, (&current).AuthView()); !d.Allowed {
		return sheet.Sheet{}, apperrors.WithMetadata(apperrors.CodeActionNotPermitted, "action not permitted", map[string]string{
			"reason": d.ReasonCode,
		})
	}

	tok, ok := current.DrawnToken(tokenID)
	if !ok {
		return sheet.Sheet{}, ErrTokenNotDrawn
	}

	playerSheet, err := s.sheets.Get(ctx, actor.Name)
	if errors.Is(err, store.ErrNotFound) {
		playerSheet = sheet.Default(actor.Name)
	} else if err != nil {
		return sheet.Sheet{}, err
	}

	placed, err := sheet.Place(playerSheet, slotKey, tok)
	if err != nil {
		return sheet.Sheet{}, err
	}

	if batcher, ok := s.store.(store.BatchWriter); ok {
		return s.placeBatched(ctx, batcher, actor, current, placed, tokenID)
	}

	// Sheet first: if the second write fails the token is both placed and
	// drawn, which the idempotent removal can repair on retry.
	saved, err := s.sheets.Save(ctx, actor.Name, placed)
	if err != nil {
		return sheet.Sheet{}, err
	}
	if _, err := s.tests.RemoveFromDrawn(ctx, actor, tokenID); err != nil {
		return sheet.Sheet{}, err
	}
	return saved, nil
}

// RemovePlaced clears a slot on the actor's sheet. The token is simply
// discarded; nothing returns to the bag.
func (s *Service) RemovePlaced(ctx context.Context, actor authz.Actor, slotKey string) (sheet.Sheet, error) {
	current, err := s.sheets.Get(ctx, actor.Name)
	if err != nil {
		return sheet.Sheet{}, err
	}
	return s.sheets.Save(ctx, actor.Name, sheet.RemovePlaced(current, slotKey))
}

func (s *Service) placeBatched(ctx context.Context, batcher store.BatchWriter, actor authz.Actor, current test.Test, placed sheet.Sheet, tokenID string) (sheet.Sheet, error) {
	nextTest := test.RemoveDrawn(current, tokenID)
	nextTest.Revision = current.Revision + 1
	testValue, err := json.Marshal(nextTest)
	if err != nil {
		return sheet.Sheet{}, fmt.Errorf("encode test: %w", err)
	}

	normalized := sheet.Normalize(placed)
	normalized.PlayerName = actor.Name
	normalized = sheet.Touch(normalized, time.Now())
	sheetValue, err := json.Marshal(normalized)
	if err != nil {
		return sheet.Sheet{}, fmt.Errorf("encode sheet: %w", err)
	}

	writes := []store.Write{
		{Collection: test.Collection, Key: test.DocumentKey, Value: testValue},
		{Collection: sheet.Collection, Key: sheet.Key(actor.Name), Value: sheetValue},
	}
	if err := batcher.ApplyBatch(ctx, writes); err != nil {
		return sheet.Sheet{}, fmt.Errorf("apply placement: %w", err)
	}
	return normalized, nil
}

// NewServices is a convenience constructor wiring all three services over
// one backend with a shared random source.
func NewServices(s store.DocumentStore, rng *rand.Rand) *Service {
	return NewService(s, test.NewService(s, rng), sheet.NewService(s))
}
