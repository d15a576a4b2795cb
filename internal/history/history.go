// Package history keeps the transfer log and per-file throughput records in
// the keyed store, newest first and capped.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/relayshell/internal/store"
)

// Store keys.
const (
	KeyHistory = "transfer_history"
	KeyStats   = "session_stats"
)

const (
	DefaultMaxItems = 100
	DefaultMaxStats = 100
)

type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

type Status string

const (
	Success   Status = "success"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Item is one finished (or aborted) file transfer.
type Item struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Direction Direction `json:"direction"`
	Status    Status    `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     string    `json:"error,omitempty"`
}

// StatsRecord is the measured throughput of one completed file.
type StatsRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	DurationMs    int64     `json:"duration_ms"`
	ThroughputBps float64   `json:"throughput_bps"`
	Protocol      string    `json:"protocol"`
}

type Config struct {
	MaxItems int `mapstructure:"max_items"`
	MaxStats int `mapstructure:"max_stats"`
}

type History struct {
	st       store.Store
	maxItems int
	maxStats int

	// serializes read-modify-write of the stored arrays
	mu  sync.Mutex
	now func() time.Time
}

func New(st store.Store, cfg Config) *History {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxStats <= 0 {
		cfg.MaxStats = DefaultMaxStats
	}
	return &History{st: st, maxItems: cfg.MaxItems, maxStats: cfg.MaxStats, now: time.Now}
}

// Append stores it as the newest item, evicting the oldest beyond the cap.
// Missing ID and Timestamp are filled in.
func (h *History) Append(ctx context.Context, it Item) (Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = h.now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := prepend(ctx, h.st, KeyHistory, it, h.maxItems); err != nil {
		return Item{}, fmt.Errorf("append history: %w", err)
	}
	return it, nil
}

// List returns items newest first.
func (h *History) List(ctx context.Context) ([]Item, error) {
	return load[Item](ctx, h.st, KeyHistory)
}

func (h *History) AppendStats(ctx context.Context, r StatsRecord) (StatsRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = h.now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := prepend(ctx, h.st, KeyStats, r, h.maxStats); err != nil {
		return StatsRecord{}, fmt.Errorf("append stats: %w", err)
	}
	return r, nil
}

// Stats returns throughput records newest first.
func (h *History) Stats(ctx context.Context) ([]StatsRecord, error) {
	return load[StatsRecord](ctx, h.st, KeyStats)
}

// Clear drops both the transfer log and the stats records.
func (h *History) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.st.Delete(ctx, KeyHistory), h.st.Delete(ctx, KeyStats))
}

func load[T any](ctx context.Context, st store.Store, key string) ([]T, error) {
	b, err := st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		// a damaged value is replaced on the next write
		slog.Warn("discarding unreadable history value", "key", key, "error", err)
		return []T{}, nil
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func prepend[T any](ctx context.Context, st store.Store, key string, v T, limit int) error {
	cur, err := load[T](ctx, st, key)
	if err != nil {
		return err
	}
	next := make([]T, 0, min(len(cur)+1, limit))
	next = append(next, v)
	for _, c := range cur {
		if len(next) >= limit {
			break
		}
		next = append(next, c)
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return st.Put(ctx, key, b)
}
