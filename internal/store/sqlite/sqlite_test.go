package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loykin/relayshell/internal/store"
)

func TestSQLiteKeyedAPI(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	if _, err := db.Get(ctx, "transfer_history"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := db.Put(ctx, "transfer_history", []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put(ctx, "transfer_history", []byte(`[{"id":"b"}]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := db.Get(ctx, "transfer_history")
	if err != nil || string(got) != `[{"id":"b"}]` {
		t.Fatalf("get: %q err=%v", got, err)
	}

	if err := db.Delete(ctx, "transfer_history"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "transfer_history"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relayshell.db")
	ctx := context.Background()
	db, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(ctx, "session_stats", []byte("[]")); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get(ctx, "session_stats")
	if err != nil || string(got) != "[]" {
		t.Fatalf("value lost across reopen: %q err=%v", got, err)
	}
}
