package httpserver

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pastebin/internal/client"
)

func TestEndToEndClient(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := client.New(ts.URL + "/api")

	if !c.Health(ctx) {
		t.Fatalf("expected healthy server")
	}

	views := int64(3)
	created, err := c.Create(ctx, client.CreateRequest{Content: "hello world", MaxViews: &views})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for want := 2; want >= 0; want-- {
		p, err := c.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if p.Content != "hello world" || *p.RemainingViews != want {
			t.Fatalf("unexpected paste %+v", p)
		}
	}
	if _, err := c.Get(ctx, created.ID); !errors.Is(err, client.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}

	var apiErr *client.APIError
	if _, err := c.Create(ctx, client.CreateRequest{Content: ""}); !errors.As(err, &apiErr) || apiErr.Details["content"] == "" {
		t.Fatalf("expected content validation error got %v", err)
	}
}

func TestEndToEndConcurrentClients(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := client.New(ts.URL + "/api")
	views := int64(10)
	created, err := c.Create(ctx, client.CreateRequest{Content: "shared", MaxViews: &views})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg          sync.WaitGroup
		ok          atomic.Int64
		unavailable atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(ctx, created.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, client.ErrUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 10 || unavailable.Load() != 40 {
		t.Fatalf("expected 10/40 got %d/%d", ok.Load(), unavailable.Load())
	}
}

func TestEndToEndTestModeExpiry(t *testing.T) {
	srv := newTestServer(t, serverOptions{testMode: true})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	ttl := int64(30)
	created, err := client.New(ts.URL+"/api", client.WithTestNow(start)).
		Create(ctx, client.CreateRequest{Content: "short lived", TTLSeconds: &ttl})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p, err := client.New(ts.URL+"/api", client.WithTestNow(start.Add(29*time.Second))).Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	if !p.ExpiresAt.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("unexpected expires_at %v", p.ExpiresAt)
	}
	if _, err := client.New(ts.URL+"/api", client.WithTestNow(start.Add(31*time.Second))).Get(ctx, created.ID); !errors.Is(err, client.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after expiry got %v", err)
	}
}
