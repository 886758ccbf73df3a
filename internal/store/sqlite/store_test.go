package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/notanend/hexbag/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKind(t *testing.T) {
	s := openTestStore(t)
	if s.Kind() != "sqlite" {
		t.Fatalf("kind = %q, want sqlite", s.Kind())
	}
}

func TestSetGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetDocument(ctx, "tests", "activeTest"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.SetDocument(ctx, "tests", "activeTest", []byte(`{"shuffled":false}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := s.GetDocument(ctx, "tests", "activeTest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"shuffled":false}` {
		t.Fatalf("value = %s", value)
	}

	if err := s.DeleteDocument(ctx, "tests", "activeTest"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetDocument(ctx, "tests", "activeTest"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDocument(ctx, "tests", "activeTest"); err != nil {
		t.Fatalf("deleting absent document: %v", err)
	}
}

func TestValuesPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "documents.db")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SetDocument(ctx, "sheets", "alice", []byte(`{"playerName":"Alice"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	value, err := second.GetDocument(ctx, "sheets", "alice")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(value) != `{"playerName":"Alice"}` {
		t.Fatalf("value = %s", value)
	}
}

func TestVersionsIncrementPerWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 1; i <= 3; i++ {
		if err := s.SetDocument(ctx, "tests", "activeTest", []byte(`{}`)); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		v, err := s.GetVersioned(ctx, "tests", "activeTest")
		if err != nil {
			t.Fatalf("get versioned: %v", err)
		}
		if v.Version != int64(i) {
			t.Fatalf("version = %d, want %d", v.Version, i)
		}
	}
}

func TestSetIfVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SetIfVersion(ctx, "tests", "activeTest", []byte(`{"revision":1}`), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetIfVersion(ctx, "tests", "activeTest", []byte(`{}`), 0); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("create over existing: err = %v, want ErrVersionConflict", err)
	}
	if err := s.SetIfVersion(ctx, "tests", "activeTest", []byte(`{"revision":2}`), 5); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale expect: err = %v, want ErrVersionConflict", err)
	}
	if err := s.SetIfVersion(ctx, "tests", "activeTest", []byte(`{"revision":2}`), 1); err != nil {
		t.Fatalf("matching expect: %v", err)
	}
}

func TestSubscribeDocumentDeliveries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	type update struct {
		value   []byte
		present bool
	}
	updates := make(chan update, 8)

	unsub, err := s.SubscribeDocument(ctx, "tests", "activeTest", func(value []byte, present bool) {
		updates <- update{value: value, present: present}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	await := func() update {
		select {
		case u := <-updates:
			return u
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for update")
			return update{}
		}
	}

	if u := await(); u.present {
		t.Fatal("initial delivery should report absence")
	}
	if err := s.SetDocument(ctx, "tests", "activeTest", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if u := await(); !u.present || string(u.value) != `{"n":1}` {
		t.Fatalf("update = %+v", u)
	}
	if err := s.DeleteDocument(ctx, "tests", "activeTest"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if u := await(); u.present {
		t.Fatal("deletion should deliver absence")
	}
}

func TestSubscribeCollectionOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SetDocument(ctx, "sheets", "caio", []byte(`{"playerName":"Caio"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lists := make(chan []store.Snapshot, 8)
	unsub, err := s.SubscribeCollection(ctx, "sheets", "playerName", func(docs []store.Snapshot) {
		lists <- docs
	})
	if err != nil {
		t.Fatalf("subscribe collection: %v", err)
	}
	defer unsub()

	initial := <-lists
	if len(initial) != 1 || initial[0].Key != "caio" {
		t.Fatalf("initial list = %+v", initial)
	}

	if err := s.SetDocument(ctx, "sheets", "alice", []byte(`{"playerName":"Alice"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	docs := <-lists
	if len(docs) != 2 || docs[0].Key != "alice" || docs[1].Key != "caio" {
		t.Fatalf("list = %+v, want alice then caio", docs)
	}
}

func TestApplyBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.ApplyBatch(ctx, []store.Write{
		{Collection: "tests", Key: "activeTest", Value: []byte(`{"drawnHexes":[]}`)},
		{Collection: "sheets", Key: "alice", Value: []byte(`{"playerName":"Alice"}`)},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	if _, err := s.GetDocument(ctx, "tests", "activeTest"); err != nil {
		t.Fatalf("test doc: %v", err)
	}
	if _, err := s.GetDocument(ctx, "sheets", "alice"); err != nil {
		t.Fatalf("sheet doc: %v", err)
	}
}
