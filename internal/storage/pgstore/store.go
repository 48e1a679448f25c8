package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pastebin/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS pastes (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    max_views INTEGER CHECK (max_views IS NULL OR max_views > 0),
    view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0),
    CHECK (max_views IS NULL OR view_count <= max_views)
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at);
`

// Store implements storage.Store on top of a Gateway.
type Store struct {
	gw *Gateway
}

// New returns a Store using gw. The store owns gw from here on and closes it
// in Close.
func New(gw *Gateway) *Store {
	return &Store{gw: gw}
}

// Gateway returns the underlying gateway.
func (s *Store) Gateway() *Gateway {
	return s.gw
}

// Migrate creates the pastes table when it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.gw.Exec(ctx, "migrate", schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Insert stores a new paste. It never overwrites an existing id.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	const q = `
INSERT INTO pastes (id, content, created_at, expires_at, max_views, view_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`
	rows, err := s.gw.Exec(ctx, "insert paste", q,
		paste.ID,
		paste.Content,
		paste.CreatedAt.UTC(),
		paste.ExpiresAt,
		paste.MaxViews,
		paste.ViewCount,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Consume increments the view counter if the paste is still available and
// returns the updated record.
//
// The guard and the increment form one UPDATE. Postgres locks the row and
// re-evaluates the WHERE clause against the latest committed version, so two
// readers racing for the last view cannot both succeed.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	const q = `
UPDATE pastes SET view_count = view_count + 1
WHERE id = $1
  AND (expires_at IS NULL OR expires_at > $2)
  AND (max_views IS NULL OR view_count < max_views)
RETURNING id, content, created_at, expires_at, max_views, view_count`
	paste, err := s.queryPaste(ctx, "consume paste", q, id, now.UTC())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrUnavailable
	}
	return paste, err
}

// Get fetches a paste by id without touching its view counter.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	const q = `
SELECT id, content, created_at, expires_at, max_views, view_count
FROM pastes WHERE id = $1`
	paste, err := s.queryPaste(ctx, "get paste", q, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return paste, err
}

// Purge removes expired and view-exhausted pastes.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	const q = `
DELETE FROM pastes
WHERE (expires_at IS NOT NULL AND expires_at <= $1)
   OR (max_views IS NOT NULL AND view_count >= max_views)`
	rows, err := s.gw.Exec(ctx, "purge pastes", q, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// Ping delegates to the gateway.
func (s *Store) Ping(ctx context.Context) error {
	return s.gw.Ping(ctx)
}

// Close shuts the gateway down.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.gw.Close()
}

func (s *Store) queryPaste(ctx context.Context, op, q string, args ...any) (*storage.Paste, error) {
	var (
		paste     storage.Paste
		expiresAt *time.Time
		maxViews  *int32
	)
	err := s.gw.QueryRow(ctx, op, q, args,
		&paste.ID, &paste.Content, &paste.CreatedAt, &expiresAt, &maxViews, &paste.ViewCount)
	if err != nil {
		return nil, err
	}
	paste.CreatedAt = paste.CreatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		paste.ExpiresAt = &t
	}
	if maxViews != nil {
		v := int(*maxViews)
		paste.MaxViews = &v
	}
	return &paste, nil
}
