package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	val := []byte(`[1]`)
	if err := s.Put(ctx, "k", val); err != nil {
		t.Fatal(err)
	}
	val[1] = '2'
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "[1]" {
		t.Fatalf("stored value must be copied: %q err=%v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	_ = s.Close()
}
