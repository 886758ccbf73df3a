package test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/notanend/hexbag/internal/authz"
	"github.com/notanend/hexbag/internal/store/memory"
)

var (
	master = authz.Actor{Role: authz.RoleMaster, Name: "gm"}
	astrid = authz.Actor{Role: authz.RolePlayer, Name: "astrid"}
	bjorn  = authz.Actor{Role: authz.RolePlayer, Name: "bjorn"}
	carla  = authz.Actor{Role: authz.RolePlayer, Name: "carla"}
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(memory.New(), rand.New(rand.NewSource(7)))
}

func createTest(t *testing.T, svc *Service, helpers []string) Test {
	t.Helper()
	created, err := svc.Create(context.Background(), master, "astrid", "normal", helpers, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return created
}

func isNotPermitted(err error) bool {
	return errors.Is(err, ErrNotPermitted)
}

func TestServiceCreate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created := createTest(t, svc, []string{"bjorn"})
	if created.PlayerName != "astrid" || created.RedCount != 3 {
		t.Errorf("created = %+v", created)
	}

	got, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PlayerName != "astrid" || len(got.Hexes) != 3 {
		t.Errorf("Get() = %+v", got)
	}

	// Creating again replaces the active Test.
	replaced, err := svc.Create(ctx, master, "bjorn", "hard", nil, false)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if replaced.PlayerName != "bjorn" {
		t.Errorf("replaced target = %q, want bjorn", replaced.PlayerName)
	}

	if _, err := svc.Create(ctx, master, "astrid", "nope", nil, false); !errors.Is(err, ErrInvalidDifficulty) {
		t.Errorf("unknown difficulty error = %v, want ErrInvalidDifficulty", err)
	}
}

func TestServiceRoleGating(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, astrid, "astrid", "normal", nil, false); !isNotPermitted(err) {
		t.Errorf("player Create error = %v, want not permitted", err)
	}

	createTest(t, svc, nil)

	if _, err := svc.Shuffle(ctx, astrid); !isNotPermitted(err) {
		t.Errorf("player Shuffle error = %v, want not permitted", err)
	}
	if err := svc.Clear(ctx, astrid); !isNotPermitted(err) {
		t.Errorf("player Clear error = %v, want not permitted", err)
	}
	if _, err := svc.AddGreen(ctx, master); !isNotPermitted(err) {
		t.Errorf("master AddGreen error = %v, want not permitted", err)
	}
	if _, _, _, err := svc.Draw(ctx, master); !isNotPermitted(err) {
		t.Errorf("master Draw error = %v, want not permitted", err)
	}
}

func TestServiceAddGreenGating(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTest(t, svc, []string{"bjorn"})

	if _, err := svc.AddGreen(ctx, astrid); err != nil {
		t.Errorf("target AddGreen error = %v", err)
	}
	if _, err := svc.AddGreen(ctx, bjorn); err != nil {
		t.Errorf("helper AddGreen error = %v", err)
	}
	if _, err := svc.AddGreen(ctx, carla); !isNotPermitted(err) {
		t.Errorf("bystander AddGreen error = %v, want not permitted", err)
	}

	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	if _, err := svc.AddGreen(ctx, astrid); !isNotPermitted(err) {
		t.Errorf("post-shuffle AddGreen error = %v, want not permitted", err)
	}
}

func TestServiceAddGreenDouble(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	created := createTest(t, svc, nil)

	updated, err := svc.AddGreenDouble(ctx, astrid)
	if err != nil {
		t.Fatalf("AddGreenDouble() error = %v", err)
	}
	if len(updated.Hexes) != len(created.Hexes)+2 {
		t.Errorf("len(Hexes) = %d, want %d", len(updated.Hexes), len(created.Hexes)+2)
	}
	if updated.Revision != created.Revision+1 {
		t.Errorf("Revision = %d, want %d (both tokens in one write)", updated.Revision, created.Revision+1)
	}
}

func TestServiceComplicationsGating(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTest(t, svc, []string{"bjorn"})

	if _, err := svc.AddMisfortuneComplications(ctx, bjorn, "Cursed", 1); !isNotPermitted(err) {
		t.Errorf("helper complications error = %v, want not permitted", err)
	}
	updated, err := svc.AddMisfortuneComplications(ctx, astrid, "Cursed", 2)
	if err != nil {
		t.Fatalf("target complications error = %v", err)
	}
	if len(updated.Hexes) != 5 {
		t.Errorf("len(Hexes) = %d, want 5", len(updated.Hexes))
	}

	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	if _, err := svc.AddMisfortuneComplications(ctx, astrid, "Cursed", 1); !isNotPermitted(err) {
		t.Errorf("post-shuffle complications error = %v, want not permitted", err)
	}
}

func TestServiceDrawFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTest(t, svc, nil)

	if _, _, _, err := svc.Draw(ctx, astrid); !isNotPermitted(err) {
		t.Fatalf("pre-shuffle Draw error = %v, want not permitted", err)
	}
	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		_, drawn, ok, err := svc.Draw(ctx, astrid)
		if err != nil || !ok {
			t.Fatalf("Draw %d error = %v, ok = %v", i, err, ok)
		}
		if seen[drawn.ID] {
			t.Fatalf("token %s drawn twice", drawn.ID)
		}
		seen[drawn.ID] = true
	}

	// The bag is empty now; the gate denies further draws.
	if _, _, _, err := svc.Draw(ctx, astrid); !isNotPermitted(err) {
		t.Errorf("empty-bag Draw error = %v, want not permitted", err)
	}
}

func TestServiceRemoveFromDrawn(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTest(t, svc, nil)
	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	_, drawn, _, err := svc.Draw(ctx, astrid)
	if err != nil {
		t.Fatalf("Draw() error = %v", err)
	}

	updated, err := svc.RemoveFromDrawn(ctx, astrid, drawn.ID)
	if err != nil {
		t.Fatalf("RemoveFromDrawn() error = %v", err)
	}
	if _, found := updated.DrawnToken(drawn.ID); found {
		t.Error("token still in drawn list after removal")
	}

	// Idempotent: a second removal succeeds and changes nothing.
	again, err := svc.RemoveFromDrawn(ctx, astrid, drawn.ID)
	if err != nil {
		t.Fatalf("repeat RemoveFromDrawn() error = %v", err)
	}
	if len(again.DrawnHexes) != len(updated.DrawnHexes) {
		t.Error("repeat removal changed the drawn list")
	}

	if _, err := svc.RemoveFromDrawn(ctx, bjorn, drawn.ID); !isNotPermitted(err) {
		t.Errorf("non-target removal error = %v, want not permitted", err)
	}
}

func TestServiceClear(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	createTest(t, svc, nil)

	if err := svc.Clear(ctx, master); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := svc.Get(ctx); !errors.Is(err, ErrNoActiveTest) {
		t.Errorf("Get() after clear error = %v, want ErrNoActiveTest", err)
	}

	// Mutations racing a clear land on the absent document and fail
	// instead of resurrecting it.
	if _, err := svc.AddGreen(ctx, astrid); !isNotPermitted(err) {
		t.Errorf("AddGreen after clear error = %v, want not permitted", err)
	}
	if err := svc.Clear(ctx, master); !isNotPermitted(err) {
		t.Errorf("second Clear error = %v, want not permitted", err)
	}
}

func TestServiceRevisionAdvances(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	created := createTest(t, svc, nil)

	if created.Revision != 1 {
		t.Fatalf("created Revision = %d, want 1", created.Revision)
	}
	updated, err := svc.AddGreen(ctx, astrid)
	if err != nil {
		t.Fatalf("AddGreen() error = %v", err)
	}
	if updated.Revision != 2 {
		t.Errorf("Revision = %d, want 2", updated.Revision)
	}
	shuffled, err := svc.Shuffle(ctx, master)
	if err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	if shuffled.Revision != 3 {
		t.Errorf("Revision = %d, want 3", shuffled.Revision)
	}
}

// A full table flow: three red from difficulty, two clicked greens, a
// shuffle, and five draws emptying the bag. Token ids are conserved
// throughout.
func TestServiceFullFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created := createTest(t, svc, nil)
	ids := map[string]bool{}
	for _, tok := range created.Hexes {
		ids[tok.ID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("created bag = %d tokens, want 3", len(ids))
	}

	for i := 0; i < 2; i++ {
		updated, err := svc.AddGreen(ctx, astrid)
		if err != nil {
			t.Fatalf("AddGreen %d error = %v", i, err)
		}
		for _, tok := range updated.Hexes {
			ids[tok.ID] = true
		}
	}
	if len(ids) != 5 {
		t.Fatalf("bag after clicks = %d tokens, want 5", len(ids))
	}

	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}

	var final Test
	for i := 0; i < 5; i++ {
		updated, drawn, ok, err := svc.Draw(ctx, astrid)
		if err != nil || !ok {
			t.Fatalf("Draw %d error = %v, ok = %v", i, err, ok)
		}
		if !ids[drawn.ID] {
			t.Fatalf("Draw %d produced unknown token %s", i, drawn.ID)
		}
		final = updated
	}

	if final.UndrawnCount() != 0 {
		t.Errorf("UndrawnCount = %d, want 0", final.UndrawnCount())
	}
	if len(final.DrawnHexes) != 5 {
		t.Errorf("len(DrawnHexes) = %d, want 5", len(final.DrawnHexes))
	}
	// No token appeared or vanished: bag history and drawn list agree.
	if len(final.Hexes) != 5 {
		t.Errorf("len(Hexes) = %d, want 5", len(final.Hexes))
	}
	for _, tok := range final.Hexes {
		if !ids[tok.ID] {
			t.Errorf("unknown token %s in final bag", tok.ID)
		}
	}
}

func TestServiceSubscribe(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	updates := make(chan *Test, 16)
	unsubscribe, err := svc.Subscribe(ctx, func(current *Test) {
		updates <- current
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if first := <-updates; first != nil {
		t.Fatalf("initial value = %+v, want nil", first)
	}

	createTest(t, svc, nil)
	created := <-updates
	if created == nil || created.PlayerName != "astrid" {
		t.Fatalf("create notification = %+v", created)
	}

	if _, err := svc.Shuffle(ctx, master); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	shuffled := <-updates
	if shuffled == nil || !shuffled.Shuffled {
		t.Fatalf("shuffle notification = %+v", shuffled)
	}

	if err := svc.Clear(ctx, master); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cleared := <-updates; cleared != nil {
		t.Fatalf("clear notification = %+v, want nil", cleared)
	}
}
