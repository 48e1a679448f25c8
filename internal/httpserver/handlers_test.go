package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pastebin/internal/id"
	"pastebin/internal/paste"
	"pastebin/internal/storage"
	"pastebin/internal/storage/sqlitestore"
)

type brokenStore struct{}

func (brokenStore) Insert(ctx context.Context, p *storage.Paste) error {
	return &storage.ConnectionError{Op: "insert paste", Err: errors.New("dial tcp 10.0.0.1:5432: connection refused")}
}

func (brokenStore) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	return nil, &storage.ConnectionError{Op: "consume paste", Err: errors.New("dial tcp 10.0.0.1:5432: connection refused")}
}

func (brokenStore) Get(ctx context.Context, id string) (*storage.Paste, error) {
	return nil, &storage.QueryError{Op: "get paste", Err: errors.New(`relation "pastes" does not exist`)}
}

func (brokenStore) Purge(ctx context.Context, now time.Time) (int, error) { return 0, nil }

func (brokenStore) Ping(ctx context.Context) error {
	return &storage.ConnectionError{Op: "ping", Err: context.DeadlineExceeded}
}

func (brokenStore) Close() error { return nil }

type serverOptions struct {
	store    storage.Store
	testMode bool
	registry *prometheus.Registry
	origins  []string
}

func newTestServer(t *testing.T, opts serverOptions) *Server {
	t.Helper()
	if opts.store == nil {
		store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "pastes.db"), 5*time.Second)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		opts.store = store
	}
	svc, err := paste.New(paste.Config{Store: opts.store, IDGenerator: id.New(12), MaxContentBytes: 1024})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv, err := New(Config{
		Service:        svc,
		BaseURL:        "https://paste.example.com",
		AllowedOrigins: opts.origins,
		TestMode:       opts.testMode,
		EnableMetrics:  opts.registry != nil,
		Registry:       opts.registry,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func createPaste(t *testing.T, srv *Server, body string, header map[string]string) createResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/pastes", body, header)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody[createResponse](t, rec)
}

func TestAPICreateAndRead(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createPaste(t, srv, `{"content":"hello api","ttl_seconds":3600,"max_views":2}`, nil)
	if !id.Valid(created.ID) {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.URL != "https://paste.example.com/p/"+created.ID {
		t.Fatalf("unexpected url %s", created.URL)
	}

	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200 got %d", rec.Code)
	}
	got := decodeBody[readResponse](t, rec)
	if got.Content != "hello api" || got.RemainingViews == nil || *got.RemainingViews != 1 || got.ExpiresAt == nil {
		t.Fatalf("unexpected read %+v", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("reads must not be cached")
	}
}

func TestAPIUnlimitedPasteHasNullLimits(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createPaste(t, srv, `{"content":"forever"}`, nil)
	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["remaining_views"] != nil || raw["expires_at"] != nil {
		t.Fatalf("expected null limits, got %v", raw)
	}
}

func TestAPIMaxViewsOne(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createPaste(t, srv, `{"content":"once","max_views":1}`, nil)

	first := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first read: %d", first.Code)
	}
	second := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	if second.Code != http.StatusNotFound {
		t.Fatalf("second read: expected 404 got %d", second.Code)
	}
	if got := decodeBody[errorResponse](t, second); got.Error != "paste not found" {
		t.Fatalf("unexpected error body %+v", got)
	}
}

func TestAPIUnavailableIsUniform(t *testing.T) {
	srv := newTestServer(t, serverOptions{testMode: true})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	at := func(ms int64) map[string]string {
		return map[string]string{TestNowHeader: strconv.FormatInt(ms, 10)}
	}
	expired := createPaste(t, srv, `{"content":"x","ttl_seconds":1}`, at(now))
	exhausted := createPaste(t, srv, `{"content":"x","max_views":1}`, at(now))
	do(t, srv, http.MethodGet, "/api/pastes/"+exhausted.ID, "", at(now))

	bodies := map[string]string{}
	for name, path := range map[string]string{
		"missing":   "/api/pastes/doesnotexist",
		"malformed": "/api/pastes/bad!id",
		"expired":   "/api/pastes/" + expired.ID,
		"exhausted": "/api/pastes/" + exhausted.ID,
	} {
		rec := do(t, srv, http.MethodGet, path, "", at(now+5000))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 got %d", name, rec.Code)
		}
		bodies[name] = rec.Body.String()
	}
	for name, body := range bodies {
		if body != bodies["missing"] {
			t.Fatalf("%s body differs: %q vs %q", name, body, bodies["missing"])
		}
	}
}

func TestAPITestModeClock(t *testing.T) {
	srv := newTestServer(t, serverOptions{testMode: true})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	created := createPaste(t, srv, `{"content":"tick","ttl_seconds":60}`,
		map[string]string{TestNowHeader: strconv.FormatInt(start, 10)})

	read := func(ms int64) int {
		rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", map[string]string{TestNowHeader: strconv.FormatInt(ms, 10)})
		return rec.Code
	}
	if code := read(start + 59_999); code != http.StatusOK {
		t.Fatalf("before expiry: %d", code)
	}
	if code := read(start + 60_000); code != http.StatusNotFound {
		t.Fatalf("at expiry: %d", code)
	}
	if code := read(start + 60_001); code != http.StatusNotFound {
		t.Fatalf("after expiry: %d", code)
	}
}

func TestAPITestHeaderIgnoredOutsideTestMode(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createPaste(t, srv, `{"content":"x","ttl_seconds":60}`, nil)
	future := time.Now().Add(time.Hour).UnixMilli()
	rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", map[string]string{TestNowHeader: strconv.FormatInt(future, 10)})
	if rec.Code != http.StatusOK {
		t.Fatalf("header must be ignored without test mode, got %d", rec.Code)
	}
}

func TestAPICreateValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing content", `{}`, "content"},
		{"empty content", `{"content":""}`, "content"},
		{"blank content", `{"content":"   "}`, "content"},
		{"numeric content", `{"content":42}`, "content"},
		{"oversized content", `{"content":"` + strings.Repeat("a", 1025) + `"}`, "content"},
		{"zero ttl", `{"content":"x","ttl_seconds":0}`, "ttl_seconds"},
		{"fractional ttl", `{"content":"x","ttl_seconds":1.5}`, "ttl_seconds"},
		{"string ttl", `{"content":"x","ttl_seconds":"60"}`, "ttl_seconds"},
		{"negative views", `{"content":"x","max_views":-3}`, "max_views"},
		{"bool views", `{"content":"x","max_views":true}`, "max_views"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/pastes", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
			}
			got := decodeBody[errorResponse](t, rec)
			if _, ok := got.Details[tc.field]; !ok {
				t.Fatalf("expected details for %s, got %+v", tc.field, got)
			}
		})
	}

	rec := do(t, srv, http.MethodPost, "/api/pastes", `{"content":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: expected 400 got %d", rec.Code)
	}
}

func TestAPIConcurrentReads(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createPaste(t, srv, `{"content":"race","max_views":10}`, nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if codes[http.StatusOK] != 10 || codes[http.StatusNotFound] != 40 {
		t.Fatalf("expected 10 ok / 40 not found, got %v", codes)
	}
}

func TestAPIStoreUnreachable(t *testing.T) {
	srv := newTestServer(t, serverOptions{store: brokenStore{}})

	rec := do(t, srv, http.MethodGet, "/api/pastes/abcdefghijkl", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("read: expected 503 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.1") {
		t.Fatalf("store error leaked: %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/pastes", `{"content":"x"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("create: expected 503 got %d", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/api/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health: expected 503 got %d", rec.Code)
	}
	if got := decodeBody[healthResponse](t, rec); got.OK {
		t.Fatalf("expected ok=false")
	}

	rec = do(t, srv, http.MethodGet, "/p/abcdefghijkl/qr", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("qr with query error: expected 500 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "relation") {
		t.Fatalf("store error leaked: %s", rec.Body.String())
	}
}

func TestAPIHealthy(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	rec := do(t, srv, http.MethodGet, "/api/healthz", "", nil)
	if rec.Code != http.StatusOK || !decodeBody[healthResponse](t, rec).OK {
		t.Fatalf("expected healthy, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPICORS(t *testing.T) {
	srv := newTestServer(t, serverOptions{origins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestFormCreateViewRawFlow(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	form := url.Values{}
	form.Set("content", "package main\nfunc main() {}")
	form.Set("max_views", "2")
	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	idx := strings.Index(body, "https://paste.example.com/p/")
	if idx < 0 {
		t.Fatalf("created page missing share link")
	}
	pasteID := body[idx+len("https://paste.example.com/p/"):][:12]

	qr := do(t, srv, http.MethodGet, "/p/"+pasteID+"/qr", "", nil)
	if qr.Code != http.StatusOK || qr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d %s", qr.Code, qr.Header().Get("Content-Type"))
	}

	view := do(t, srv, http.MethodGet, "/p/"+pasteID, "", nil)
	if view.Code != http.StatusOK || !strings.Contains(view.Body.String(), "package main") {
		t.Fatalf("view: %d", view.Code)
	}
	raw := do(t, srv, http.MethodGet, "/p/"+pasteID+"/raw", "", nil)
	if raw.Code != http.StatusOK || raw.Body.String() != "package main\nfunc main() {}" {
		t.Fatalf("raw: %d %q", raw.Code, raw.Body.String())
	}

	for _, path := range []string{"/p/" + pasteID, "/p/" + pasteID + "/raw", "/p/" + pasteID + "/qr"} {
		if rec := do(t, srv, http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s after last view: expected 404 got %d", path, rec.Code)
		}
	}
}

func TestFormCreateValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	for _, form := range []url.Values{
		{"content": {""}},
		{"content": {"x"}, "ttl_seconds": {"soon"}},
		{"content": {"x"}, "max_views": {"0"}},
	} {
		req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400 got %d", form, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, serverOptions{registry: reg})
	created := createPaste(t, srv, `{"content":"m","max_views":1}`, nil)
	do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)
	do(t, srv, http.MethodGet, "/api/pastes/"+created.ID, "", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"pastebin_pastes_created_total 1",
		`pastebin_paste_reads_total{result="ok"} 1`,
		`pastebin_paste_reads_total{result="unavailable"} 1`,
		`route="/api/pastes/{id}"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
	if strings.Contains(out, created.ID) {
		t.Fatalf("paste id leaked into metric labels")
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}
	cases := []struct {
		expires *time.Time
		want    string
	}{
		{nil, "Never"},
		{at(0), "Expired"},
		{at(-time.Minute), "Expired"},
		{at(500 * time.Millisecond), "Less than a second"},
		{at(30 * time.Second), "30 seconds"},
		{at(25*time.Hour + 2*time.Minute), "1 day, 1 hour, 2 minutes"},
	}
	for _, tc := range cases {
		if got := remaining(tc.expires, now); got != tc.want {
			t.Fatalf("remaining(%v) = %q, want %q", tc.expires, got, tc.want)
		}
	}
}
