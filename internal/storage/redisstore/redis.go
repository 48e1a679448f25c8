package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pastebin/internal/storage"
)

const keyPrefix = "paste:"

// insertScript writes the hash only when the key is free. ARGV[1] is the
// expiry in unix ms or an empty string; the rest are field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
if ARGV[1] ~= '' then
  redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return 1
`)

// consumeScript checks availability at ARGV[1] (unix ms) and bumps the view
// counter. Scripts run without interleaving, so the pair is atomic.
var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'expires_at', 'max_views', 'view_count')
if not v[3] then
  return false
end
local now = tonumber(ARGV[1])
if v[1] and tonumber(v[1]) <= now then
  return false
end
if v[2] and tonumber(v[3]) >= tonumber(v[2]) then
  return false
end
redis.call('HINCRBY', KEYS[1], 'view_count', 1)
return redis.call('HGETALL', KEYS[1])
`)

// Config holds the connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	storage.Options
}

// Store implements storage.Store using Redis hashes.
type Store struct {
	rdb     *redis.Client
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Open creates a client. Like a pool, it does not dial until first use.
func Open(cfg Config) *Store {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.IdleTimeout > 0 {
		opts.ConnMaxIdleTime = cfg.IdleTimeout
	}
	if cfg.QueryTimeout > 0 {
		opts.ReadTimeout = cfg.QueryTimeout
		opts.WriteTimeout = cfg.QueryTimeout
	}
	return New(redis.NewClient(opts), cfg.QueryTimeout)
}

// New wraps an existing client.
func New(rdb *redis.Client, timeout time.Duration) *Store {
	return &Store{rdb: rdb, timeout: timeout}
}

// Insert stores a new paste. It never overwrites an existing id.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	expireAt := ""
	if paste.ExpiresAt != nil {
		expireAt = strconv.FormatInt(paste.ExpiresAt.UnixMilli(), 10)
	}
	args := append([]any{expireAt}, fields(paste)...)

	created, err := insertScript.Run(ctx, s.rdb, []string{keyPrefix + paste.ID}, args...).Int()
	if err != nil {
		return classify("insert paste", err)
	}
	if created == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Consume runs the availability guard and the increment in one script.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := consumeScript.Run(ctx, s.rdb, []string{keyPrefix + id}, now.UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrUnavailable
	}
	if err != nil {
		return nil, classify("consume paste", err)
	}
	values := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		values[res[i]] = res[i+1]
	}
	return decode(id, values)
}

// Get fetches a paste by id without touching its view counter.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := s.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, classify("get paste", err)
	}
	if len(values) == 0 {
		return nil, storage.ErrNotFound
	}
	return decode(id, values)
}

// Purge is a no-op. Expired keys are dropped by Redis itself and exhausted
// pastes fail the consume guard.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Ping issues PING.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the connection pool. Calling it more than once is fine.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rdb.Close()
}

func fields(p *storage.Paste) []any {
	out := []any{
		"content", p.Content,
		"created_at", p.CreatedAt.UnixMilli(),
		"view_count", p.ViewCount,
	}
	if p.ExpiresAt != nil {
		out = append(out, "expires_at", p.ExpiresAt.UnixMilli())
	}
	if p.MaxViews != nil {
		out = append(out, "max_views", *p.MaxViews)
	}
	return out
}

func decode(id string, values map[string]string) (*storage.Paste, error) {
	paste := &storage.Paste{ID: id, Content: values["content"]}

	ms, err := intField(values, "created_at")
	if err != nil {
		return nil, err
	}
	if ms != nil {
		paste.CreatedAt = time.UnixMilli(*ms).UTC()
	}
	if ms, err = intField(values, "expires_at"); err != nil {
		return nil, err
	}
	if ms != nil {
		t := time.UnixMilli(*ms).UTC()
		paste.ExpiresAt = &t
	}
	maxViews, err := intField(values, "max_views")
	if err != nil {
		return nil, err
	}
	if maxViews != nil {
		v := int(*maxViews)
		paste.MaxViews = &v
	}
	views, err := intField(values, "view_count")
	if err != nil {
		return nil, err
	}
	if views != nil {
		paste.ViewCount = int(*views)
	}
	return paste, nil
}

func intField(values map[string]string, name string) (*int64, error) {
	raw, ok := values[name]
	if !ok || raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &storage.QueryError{Op: "decode paste", Err: fmt.Errorf("field %s: %w", name, err)}
	}
	return &n, nil
}

// classify separates replies from the server (script or type errors) from
// transport failures.
func classify(op string, err error) error {
	var redisErr redis.Error
	var netErr net.Error
	switch {
	case storage.IsContextError(err), errors.Is(err, redis.ErrClosed), errors.As(err, &netErr):
		return &storage.ConnectionError{Op: op, Err: err}
	case errors.As(err, &redisErr):
		return &storage.QueryError{Op: op, Err: err}
	}
	return &storage.ConnectionError{Op: op, Err: err}
}
