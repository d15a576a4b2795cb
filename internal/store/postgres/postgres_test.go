package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/relayshell/internal/store"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// postgresDSN runs a throwaway PostgreSQL container and returns its DSN.
// The test is skipped when no container runtime is available.
func postgresDSN(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("relayshell"),
		postgres.WithUsername("relay"),
		postgres.WithPassword("relay"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func TestPostgresKeyedAPI(t *testing.T) {
	db, err := New(postgresDSN(t))
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	if _, err := db.Get(ctx, "transfer_history"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := db.Put(ctx, "transfer_history", []byte(`[{"id":"1"}]`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put(ctx, "transfer_history", []byte(`[{"id":"2"},{"id":"1"}]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := db.Get(ctx, "transfer_history")
	if err != nil || string(got) != `[{"id":"2"},{"id":"1"}]` {
		t.Fatalf("get: %q err=%v", got, err)
	}

	if err := db.Delete(ctx, "transfer_history"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "transfer_history"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
