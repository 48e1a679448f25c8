package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pastebin/internal/storage"
	"pastebin/internal/storage/storetest"
)

func TestDocumentRoundTrip(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	three := 3
	doc := document{
		ID:        "abc",
		Content:   "body",
		CreatedAt: expires.Add(-time.Hour),
		ExpiresAt: &expires,
		MaxViews:  &three,
		ViewCount: 2,
	}
	p := doc.paste()
	if p.ExpiresAt.Location() != time.UTC || p.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC times")
	}
	if left := p.RemainingViews(); left == nil || *left != 1 {
		t.Fatalf("expected 1 remaining view got %v", left)
	}
}

func TestClassify(t *testing.T) {
	if !storage.IsConnection(classify("op", context.DeadlineExceeded)) {
		t.Fatalf("deadline should be a connection error")
	}
	var qe *storage.QueryError
	if !errors.As(classify("op", errors.New("bad filter")), &qe) {
		t.Fatalf("expected QueryError")
	}
}

func TestCloseNil(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestContract(t *testing.T) {
	uri := os.Getenv("PASTEBIN_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("PASTEBIN_TEST_MONGODB_URI not set")
	}
	storetest.Run(t, func(t *testing.T) storage.Store {
		store, err := Open(context.Background(), uri, "pastebin_test", storage.DefaultOptions())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}
