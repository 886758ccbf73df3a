package sheet

import (
	"context"
	"errors"
	"testing"

	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/store/memory"
	"github.com/notanend/hexbag/internal/token"
)

func TestServiceSaveGet(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	if _, err := svc.Get(ctx, "astrid"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get() before save error = %v, want ErrNotFound", err)
	}

	sh := Default("astrid")
	sh.Archetype = "Wanderer"
	sh.Misfortunes[1] = Misfortune{Text: "Cursed", Complications: 2}

	saved, err := svc.Save(ctx, "Astrid", sh)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.PlayerName != "Astrid" {
		t.Errorf("saved PlayerName = %q, want Astrid", saved.PlayerName)
	}
	if saved.UpdatedAt == 0 {
		t.Error("UpdatedAt not stamped")
	}

	// Keys are case-insensitive: any casing reads the same document.
	got, err := svc.Get(ctx, "ASTRID")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Archetype != "Wanderer" || got.Misfortunes[1].Complications != 2 {
		t.Errorf("Get() = %+v", got)
	}

	exists, err := svc.Exists(ctx, "astrid")
	if err != nil || !exists {
		t.Errorf("Exists() = %v, %v, want true", exists, err)
	}
	exists, err = svc.Exists(ctx, "bjorn")
	if err != nil || exists {
		t.Errorf("Exists(bjorn) = %v, %v, want false", exists, err)
	}
}

func TestServiceEmptyName(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	if _, err := svc.Get(ctx, ""); !errors.Is(err, ErrNameEmpty) {
		t.Errorf("Get error = %v, want ErrNameEmpty", err)
	}
	if _, err := svc.Save(ctx, "", Default("")); !errors.Is(err, ErrNameEmpty) {
		t.Errorf("Save error = %v, want ErrNameEmpty", err)
	}
	if _, err := svc.Subscribe(ctx, "", func(*Sheet) {}); !errors.Is(err, ErrNameEmpty) {
		t.Errorf("Subscribe error = %v, want ErrNameEmpty", err)
	}
}

func TestServiceAllOrdered(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	for _, name := range []string{"Freyja", "Astrid", "Bjorn"} {
		if _, err := svc.Save(ctx, name, Default(name)); err != nil {
			t.Fatalf("Save(%s) error = %v", name, err)
		}
	}

	names, err := svc.AllNames(ctx)
	if err != nil {
		t.Fatalf("AllNames() error = %v", err)
	}
	want := []string{"Astrid", "Bjorn", "Freyja"}
	if len(names) != len(want) {
		t.Fatalf("AllNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("AllNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestServiceNormalizesOnLoad(t *testing.T) {
	backend := memory.New()
	svc := NewService(backend)
	ctx := context.Background()

	// A document missing most fields, as an older client might have written.
	raw := []byte(`{"playerName":"astrid","misfortunes":[{"text":"Cursed"}]}`)
	if err := backend.SetDocument(ctx, Collection, "astrid", raw); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}

	got, err := svc.Get(ctx, "astrid")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Qualities) != QualitySlots || len(got.Skills) != SkillSlots {
		t.Errorf("grid sizes = (%d, %d)", len(got.Qualities), len(got.Skills))
	}
	if len(got.Misfortunes) != MisfortuneSlots || got.Misfortunes[0].Text != "Cursed" {
		t.Errorf("Misfortunes = %+v", got.Misfortunes)
	}
	if got.PlacedHexes == nil {
		t.Error("PlacedHexes is nil after load")
	}
}

func TestServiceSubscribe(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	updates := make(chan *Sheet, 16)
	unsubscribe, err := svc.Subscribe(ctx, "astrid", func(sh *Sheet) {
		updates <- sh
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if first := <-updates; first != nil {
		t.Fatalf("initial value = %+v, want nil", first)
	}

	sh := Default("astrid")
	sh.Archetype = "Wanderer"
	if _, err := svc.Save(ctx, "astrid", sh); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	saved := <-updates
	if saved == nil || saved.Archetype != "Wanderer" {
		t.Fatalf("save notification = %+v", saved)
	}
}

func TestServiceSubscribeAll(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	if _, err := svc.Save(ctx, "Bjorn", Default("Bjorn")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	updates := make(chan []Sheet, 16)
	unsubscribe, err := svc.SubscribeAll(ctx, func(sheets []Sheet) {
		updates <- sheets
	})
	if err != nil {
		t.Fatalf("SubscribeAll() error = %v", err)
	}
	defer unsubscribe()

	initial := <-updates
	if len(initial) != 1 || initial[0].PlayerName != "Bjorn" {
		t.Fatalf("initial sheets = %+v", initial)
	}

	if _, err := svc.Save(ctx, "Astrid", Default("Astrid")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	next := <-updates
	if len(next) != 2 || next[0].PlayerName != "Astrid" || next[1].PlayerName != "Bjorn" {
		t.Fatalf("updated sheets = %+v", next)
	}
}

func TestServicePlacementRoundTrip(t *testing.T) {
	svc := NewService(memory.New())
	ctx := context.Background()

	sh, err := svc.Save(ctx, "astrid", Default("astrid"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	green := token.Token{ID: "t1", Color: token.ColorGreen, Drawn: true}
	placed, err := Place(sh, QualitySlot(2), green)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if _, err := svc.Save(ctx, "astrid", placed); err != nil {
		t.Fatalf("Save() after place error = %v", err)
	}

	got, err := svc.Get(ctx, "astrid")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	tok, ok := got.PlacedToken(QualitySlot(2))
	if !ok || tok.ID != "t1" || tok.Color != token.ColorGreen {
		t.Errorf("PlacedToken = %+v, %v", tok, ok)
	}
}
