package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateSendsPayload(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/pastes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abcdefghijkl","url":"http://x/p/abcdefghijkl"}`))
	}))
	defer ts.Close()

	ttl := int64(60)
	created, err := New(ts.URL+"/api/").Create(context.Background(), CreateRequest{Content: "hi", TTLSeconds: &ttl})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "abcdefghijkl" || !strings.HasSuffix(created.URL, created.ID) {
		t.Fatalf("unexpected response %+v", created)
	}
	if got["content"] != "hi" || got["ttl_seconds"] != float64(60) || got["max_views"] != nil {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestCreateValidationError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"validation failed","details":{"content":"content is required"}}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Create(context.Background(), CreateRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Details["content"] != "content is required" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "content: content is required") {
		t.Fatalf("error text missing details: %s", apiErr.Error())
	}
}

func TestGet(t *testing.T) {
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pastes/found":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content":         "body",
				"remaining_views": 2,
				"expires_at":      expires,
			})
		case "/pastes/down":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"service unavailable"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"paste not found"}`))
		}
	}))
	defer ts.Close()
	c := New(ts.URL)

	p, err := c.Get(context.Background(), "found")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Content != "body" || *p.RemainingViews != 2 || !p.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected paste %+v", p)
	}

	if _, err := c.Get(context.Background(), "gone"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable got %v", err)
	}

	_, err = c.Get(context.Background(), "down")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError got %v", err)
	}
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	c := New(ts.URL)
	if !c.Health(context.Background()) {
		t.Fatalf("expected healthy")
	}
	healthy.Store(false)
	if c.Health(context.Background()) {
		t.Fatalf("expected unhealthy")
	}
	ts.Close()
	if c.Health(context.Background()) {
		t.Fatalf("expected unhealthy when server is gone")
	}
}

func TestWithTestNow(t *testing.T) {
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Test-Now-Ms")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	New(ts.URL, WithTestNow(time.UnixMilli(1700000000123))).Health(context.Background())
	if header != "1700000000123" {
		t.Fatalf("unexpected header %q", header)
	}
}
