package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pastebin/internal/storage"
)

// Store implements storage.Store using SQLite.
//
// Timestamps are kept as unix milliseconds so that expiry comparisons are
// plain integer comparisons inside the statement.
type Store struct {
	db      *sql.DB
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Open initializes the SQLite database at path.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps :memory:
	// databases shared and avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, timeout: timeout}, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func initialize(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS pastes (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER,
    max_views INTEGER CHECK (max_views IS NULL OR max_views > 0),
    view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0),
    CHECK (max_views IS NULL OR view_count <= max_views)
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Insert stores a new paste. It never overwrites an existing id.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
INSERT INTO pastes (id, content, created_at, expires_at, max_views, view_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		paste.ID,
		paste.Content,
		paste.CreatedAt.UnixMilli(),
		nullableMillis(paste.ExpiresAt),
		nullableInt(paste.MaxViews),
		paste.ViewCount,
	)
	if err != nil {
		return classify("insert paste", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Consume increments the view counter if the paste is still available and
// returns the updated record. Check and increment are one statement.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
UPDATE pastes SET view_count = view_count + 1
WHERE id = ?
  AND (expires_at IS NULL OR expires_at > ?)
  AND (max_views IS NULL OR view_count < max_views)
RETURNING id, content, created_at, expires_at, max_views, view_count;
`
	paste, err := scanPaste(s.db.QueryRowContext(ctx, q, id, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUnavailable
	}
	if err != nil {
		return nil, classify("consume paste", err)
	}
	return paste, nil
}

// Get fetches a paste by id without touching its view counter.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
SELECT id, content, created_at, expires_at, max_views, view_count
FROM pastes WHERE id = ?;
`
	paste, err := scanPaste(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, classify("query paste", err)
	}
	return paste, nil
}

// Purge removes expired and view-exhausted pastes.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
DELETE FROM pastes
WHERE (expires_at IS NOT NULL AND expires_at <= ?)
   OR (max_views IS NOT NULL AND view_count >= max_views);
`
	res, err := s.db.ExecContext(ctx, q, now.UnixMilli())
	if err != nil {
		return 0, classify("purge pastes", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// Ping runs a trivial round-trip query.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var connected int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&connected); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the database connection. Calling it more than once is fine.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*storage.Paste, error) {
	var (
		paste     storage.Paste
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	if err := row.Scan(&paste.ID, &paste.Content, &createdAt, &expiresAt, &maxViews, &paste.ViewCount); err != nil {
		return nil, err
	}
	paste.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		paste.ExpiresAt = &t
	}
	if maxViews.Valid {
		v := int(maxViews.Int64)
		paste.MaxViews = &v
	}
	return &paste, nil
}

func classify(op string, err error) error {
	if storage.IsContextError(err) || errors.Is(err, sql.ErrConnDone) {
		return &storage.ConnectionError{Op: op, Err: err}
	}
	return &storage.QueryError{Op: op, Err: err}
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
