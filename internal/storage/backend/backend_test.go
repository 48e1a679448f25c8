package backend

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"pastebin/internal/config"
	"pastebin/internal/storage"
	"pastebin/internal/storage/boltstore"
	"pastebin/internal/storage/redisstore"
	"pastebin/internal/storage/sqlitestore"
)

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	return &config.Config{
		Store:          store,
		DataPath:       filepath.Join(t.TempDir(), "pastes.db"),
		RedisAddr:      "127.0.0.1:1",
		MaxConns:       4,
		ConnectTimeout: storage.DefaultOptions().ConnectTimeout,
		IdleTimeout:    storage.DefaultOptions().IdleTimeout,
		QueryTimeout:   storage.DefaultOptions().QueryTimeout,
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	tests := []struct {
		store string
		check func(storage.Store) bool
	}{
		{config.StoreSQLite, func(s storage.Store) bool { _, ok := s.(*sqlitestore.Store); return ok }},
		{config.StoreBolt, func(s storage.Store) bool { _, ok := s.(*boltstore.Store); return ok }},
		{config.StoreRedis, func(s storage.Store) bool { _, ok := s.(*redisstore.Store); return ok }},
	}
	for _, tc := range tests {
		t.Run(tc.store, func(t *testing.T) {
			store, err := Open(context.Background(), testConfig(t, tc.store), logger)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer store.Close()
			if !tc.check(store) {
				t.Fatalf("unexpected backend %T", store)
			}
		})
	}
}

func TestOpenUnsupported(t *testing.T) {
	if _, err := Open(context.Background(), testConfig(t, "cassandra"), slog.New(slog.DiscardHandler)); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}
