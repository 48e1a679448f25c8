// Package storetest holds the behavioural contract every storage.Store
// implementation must satisfy. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastebin/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Store

var seq atomic.Int64

// NewID returns an id unique within the test binary.
func NewID(prefix string) string {
	return fmt.Sprintf("%s%d%d", prefix, time.Now().UnixNano()%1_000_000, seq.Add(1))
}

// Run executes the full contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertThenConsume", testInsertThenConsume},
		{"InsertConflict", testInsertConflict},
		{"ConsumeMissing", testConsumeMissing},
		{"MaxViewsExact", testMaxViewsExact},
		{"ConcurrentMaxViews", testConcurrentMaxViews},
		{"TTLBoundary", testTTLBoundary},
		{"GetDoesNotConsume", testGetDoesNotConsume},
		{"Purge", testPurge},
		{"PingAndClose", testPingAndClose},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func mustInsert(t *testing.T, s storage.Store, p *storage.Paste) {
	t.Helper()
	if err := s.Insert(context.Background(), p); err != nil {
		t.Fatalf("insert %s: %v", p.ID, err)
	}
}

func testInsertThenConsume(t *testing.T, s storage.Store) {
	now := baseTime()
	p := &storage.Paste{ID: NewID("itc"), Content: "hello\nworld", CreatedAt: now}
	mustInsert(t, s, p)

	for i := 1; i <= 3; i++ {
		got, err := s.Consume(context.Background(), p.ID, now.Add(time.Second))
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if got.Content != p.Content {
			t.Fatalf("content mismatch: %q", got.Content)
		}
		if got.ViewCount != i {
			t.Fatalf("expected view count %d got %d", i, got.ViewCount)
		}
		if got.MaxViews != nil || got.ExpiresAt != nil {
			t.Fatalf("expected unlimited paste, got %+v", got)
		}
		if !got.CreatedAt.Equal(now) {
			t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, now)
		}
	}
}

func testInsertConflict(t *testing.T, s storage.Store) {
	now := baseTime()
	id := NewID("dup")
	mustInsert(t, s, &storage.Paste{ID: id, Content: "first", CreatedAt: now})
	err := s.Insert(context.Background(), &storage.Paste{ID: id, Content: "second", CreatedAt: now})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "first" {
		t.Fatalf("original paste overwritten: %q", got.Content)
	}
}

func testConsumeMissing(t *testing.T, s storage.Store) {
	_, err := s.Consume(context.Background(), NewID("missing"), baseTime())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}
	_, err = s.Get(context.Background(), NewID("missing"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func testMaxViewsExact(t *testing.T, s storage.Store) {
	now := baseTime()
	p := &storage.Paste{ID: NewID("mv"), Content: "once", CreatedAt: now, MaxViews: intPtr(1)}
	mustInsert(t, s, p)

	got, err := s.Consume(context.Background(), p.ID, now)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if left := got.RemainingViews(); left == nil || *left != 0 {
		t.Fatalf("expected 0 remaining views, got %v", left)
	}
	if _, err := s.Consume(context.Background(), p.ID, now); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("second read: expected ErrUnavailable got %v", err)
	}
	stored, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ViewCount != 1 {
		t.Fatalf("view count moved past limit: %d", stored.ViewCount)
	}
}

func testConcurrentMaxViews(t *testing.T, s storage.Store) {
	const (
		readers  = 50
		maxViews = 10
	)
	now := baseTime()
	p := &storage.Paste{ID: NewID("cc"), Content: "race", CreatedAt: now, MaxViews: intPtr(maxViews)}
	mustInsert(t, s, p)

	var (
		wg          sync.WaitGroup
		ok          atomic.Int64
		unavailable atomic.Int64
		failed      atomic.Int64
		start       = make(chan struct{})
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Consume(context.Background(), p.ID, now)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, storage.ErrUnavailable):
				unavailable.Add(1)
			default:
				failed.Add(1)
				t.Errorf("consume: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d reads failed", failed.Load())
	}
	if ok.Load() != maxViews || unavailable.Load() != readers-maxViews {
		t.Fatalf("expected %d ok / %d unavailable, got %d / %d", maxViews, readers-maxViews, ok.Load(), unavailable.Load())
	}
	stored, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ViewCount != maxViews {
		t.Fatalf("expected view count %d got %d", maxViews, stored.ViewCount)
	}
}

func testTTLBoundary(t *testing.T, s storage.Store) {
	now := baseTime()
	ttl := 60 * time.Second
	p := &storage.Paste{ID: NewID("ttl"), Content: "soon gone", CreatedAt: now, ExpiresAt: timePtr(now.Add(ttl))}
	mustInsert(t, s, p)

	if _, err := s.Consume(context.Background(), p.ID, now.Add(ttl-time.Millisecond)); err != nil {
		t.Fatalf("read before expiry: %v", err)
	}
	if _, err := s.Consume(context.Background(), p.ID, now.Add(ttl)); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("read at expiry: expected ErrUnavailable got %v", err)
	}
	if _, err := s.Consume(context.Background(), p.ID, now.Add(ttl+time.Millisecond)); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("read after expiry: expected ErrUnavailable got %v", err)
	}

	stored, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.Equal(now.Add(ttl)) {
		t.Fatalf("expires_at mismatch: %v", stored.ExpiresAt)
	}
	if stored.ViewCount != 1 {
		t.Fatalf("expired reads must not count, view count %d", stored.ViewCount)
	}
}

func testGetDoesNotConsume(t *testing.T, s storage.Store) {
	now := baseTime()
	p := &storage.Paste{ID: NewID("get"), Content: "peek", CreatedAt: now, MaxViews: intPtr(2)}
	mustInsert(t, s, p)
	for i := 0; i < 3; i++ {
		got, err := s.Get(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ViewCount != 0 {
			t.Fatalf("get consumed a view: %d", got.ViewCount)
		}
	}
}

func testPurge(t *testing.T, s storage.Store) {
	now := baseTime()
	alive := &storage.Paste{ID: NewID("alive"), Content: "ok", CreatedAt: now, ExpiresAt: timePtr(now.Add(time.Hour))}
	dead := &storage.Paste{ID: NewID("dead"), Content: "bye", CreatedAt: now.Add(-time.Hour), ExpiresAt: timePtr(now.Add(-time.Minute))}
	mustInsert(t, s, alive)
	mustInsert(t, s, dead)

	if _, err := s.Purge(context.Background(), now); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.Get(context.Background(), alive.ID); err != nil {
		t.Fatalf("live paste purged: %v", err)
	}
	// Backends that rely on native expiry may keep the row a while longer, but
	// it must stay unavailable either way.
	if _, err := s.Consume(context.Background(), dead.ID, now); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expired paste readable after purge: %v", err)
	}
}

func testPingAndClose(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
