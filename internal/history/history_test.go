package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loykin/relayshell/internal/store"
	"github.com/loykin/relayshell/internal/store/sqlite"
)

func TestAppendNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	h := New(store.NewMemory(), Config{MaxItems: 3})
	for i := 0; i < 5; i++ {
		if _, err := h.Append(ctx, Item{Filename: fmt.Sprintf("f%d", i), Size: int64(i), Direction: Sent, Status: Success}); err != nil {
			t.Fatal(err)
		}
	}
	items, err := h.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("cap not applied: %d items", len(items))
	}
	for i, want := range []string{"f4", "f3", "f2"} {
		if items[i].Filename != want {
			t.Fatalf("item %d = %s want %s", i, items[i].Filename, want)
		}
		if items[i].ID == "" || items[i].Timestamp.IsZero() {
			t.Fatalf("id/timestamp not filled: %+v", items[i])
		}
	}
}

func TestDefaultCaps(t *testing.T) {
	ctx := context.Background()
	h := New(store.NewMemory(), Config{})
	for i := 0; i < DefaultMaxItems+5; i++ {
		if _, err := h.Append(ctx, Item{Filename: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := h.AppendStats(ctx, StatsRecord{Filename: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	items, _ := h.List(ctx)
	stats, _ := h.Stats(ctx)
	if len(items) != DefaultMaxItems || len(stats) != DefaultMaxStats {
		t.Fatalf("default caps: items=%d stats=%d", len(items), len(stats))
	}
}

func TestEmptyAndClear(t *testing.T) {
	ctx := context.Background()
	h := New(store.NewMemory(), Config{})
	items, err := h.List(ctx)
	if err != nil || items == nil || len(items) != 0 {
		t.Fatalf("empty list should be non-nil and empty: %v %v", items, err)
	}
	_, _ = h.Append(ctx, Item{Filename: "a"})
	_, _ = h.AppendStats(ctx, StatsRecord{Filename: "a", DurationMs: 10, ThroughputBps: 100})
	if err := h.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	items, _ = h.List(ctx)
	stats, _ := h.Stats(ctx)
	if len(items) != 0 || len(stats) != 0 {
		t.Fatalf("clear left data: %v %v", items, stats)
	}
}

func TestCorruptValueIsReplaced(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.Put(ctx, KeyHistory, []byte("{not json"))
	h := New(st, Config{})
	items, err := h.List(ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("corrupt value should read as empty: %v %v", items, err)
	}
	if _, err := h.Append(ctx, Item{Filename: "a"}); err != nil {
		t.Fatal(err)
	}
	items, _ = h.List(ctx)
	if len(items) != 1 {
		t.Fatalf("expected 1 item after rewrite, got %d", len(items))
	}
}

func TestConcurrentAppendsOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	h := New(db, Config{})
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.Append(ctx, Item{Filename: fmt.Sprintf("f%d", i), Direction: Received, Status: Success}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	items, err := h.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 20 {
		t.Fatalf("lost appends: %d", len(items))
	}
	if !items[0].Timestamp.Equal(h.now()) {
		t.Fatalf("clock not used: %v", items[0].Timestamp)
	}
}
