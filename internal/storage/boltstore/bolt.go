package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"pastebin/internal/storage"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

// Store implements storage.Store backed by BoltDB.
//
// Bolt runs one read-write transaction at a time, so the availability check
// and the increment inside Consume cannot interleave with another reader.
// The file lock restricts the database to a single process.
type Store struct {
	db *bolt.DB

	mu     sync.Mutex
	closed bool
}

// Open initializes a BoltDB-backed store located at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return fmt.Errorf("create paste bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return fmt.Errorf("create expire bucket: %w", err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Insert persists a new paste entry and indexes its expiry.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	if err := ctx.Err(); err != nil {
		return &storage.ConnectionError{Op: "insert paste", Err: err}
	}

	rec := *paste
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.ExpiresAt != nil {
		t := rec.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal paste: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}
		if pBucket.Get([]byte(rec.ID)) != nil {
			return storage.ErrConflict
		}
		if err := pBucket.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("save paste: %w", err)
		}
		if rec.HasExpiration() {
			if err := eBucket.Put(expireKey(*rec.ExpiresAt, rec.ID), []byte(rec.ID)); err != nil {
				return fmt.Errorf("index expiry: %w", err)
			}
		}
		return nil
	})
	return wrap("insert paste", err)
}

// Consume checks availability and increments the view counter in one
// read-write transaction.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.ConnectionError{Op: "consume paste", Err: err}
	}

	var out *storage.Paste
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket, _, err := buckets(tx)
		if err != nil {
			return err
		}
		raw := pBucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrUnavailable
		}
		var paste storage.Paste
		if err := json.Unmarshal(raw, &paste); err != nil {
			return fmt.Errorf("unmarshal paste: %w", err)
		}
		if !paste.Available(now) {
			return storage.ErrUnavailable
		}
		paste.ViewCount++
		data, err := json.Marshal(paste)
		if err != nil {
			return fmt.Errorf("marshal paste: %w", err)
		}
		if err := pBucket.Put([]byte(id), data); err != nil {
			return fmt.Errorf("save paste: %w", err)
		}
		out = &paste
		return nil
	})
	if err != nil {
		return nil, wrap("consume paste", err)
	}
	return out, nil
}

// Get retrieves a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.ConnectionError{Op: "get paste", Err: err}
	}

	var out *storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		if bucket == nil {
			return errors.New("pastes bucket missing")
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var paste storage.Paste
		if err := json.Unmarshal(raw, &paste); err != nil {
			return fmt.Errorf("unmarshal paste: %w", err)
		}
		out = &paste
		return nil
	})
	if err != nil {
		return nil, wrap("get paste", err)
	}
	return out, nil
}

// Purge removes pastes that expired at or before now, walking the expiry
// index, and pastes whose views are used up.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &storage.ConnectionError{Op: "purge pastes", Err: err}
	}

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket, eBucket, err := buckets(tx)
		if err != nil {
			return err
		}

		var expiredKeys [][]byte
		cursor := eBucket.Cursor()
		cutoff := toTimestamp(now)
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			ts := binary.BigEndian.Uint64(key[:8])
			if ts > cutoff {
				break
			}
			expiredKeys = append(expiredKeys, append([]byte(nil), key...))
		}
		for _, key := range expiredKeys {
			id := key[8:]
			if pBucket.Get(id) != nil {
				if err := pBucket.Delete(id); err != nil {
					return fmt.Errorf("delete expired paste %s: %w", id, err)
				}
				removed++
			}
			if err := eBucket.Delete(key); err != nil {
				return fmt.Errorf("delete expiry index: %w", err)
			}
		}

		var exhausted []storage.Paste
		if err := pBucket.ForEach(func(_, v []byte) error {
			var paste storage.Paste
			if err := json.Unmarshal(v, &paste); err != nil {
				return fmt.Errorf("unmarshal paste: %w", err)
			}
			if paste.Exhausted() {
				exhausted = append(exhausted, paste)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, paste := range exhausted {
			if err := pBucket.Delete([]byte(paste.ID)); err != nil {
				return fmt.Errorf("delete exhausted paste %s: %w", paste.ID, err)
			}
			if paste.HasExpiration() {
				if err := eBucket.Delete(expireKey(*paste.ExpiresAt, paste.ID)); err != nil {
					return fmt.Errorf("delete expiry index: %w", err)
				}
			}
			removed++
		}
		return nil
	})

	return removed, wrap("purge pastes", err)
}

// Ping opens a read transaction and checks the buckets exist.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &storage.ConnectionError{Op: "ping", Err: err}
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		_, _, err := buckets(tx)
		return err
	})
	return wrap("ping", err)
}

// Close closes the underlying database.
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

func buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	pBucket := tx.Bucket(pasteBucket)
	eBucket := tx.Bucket(expireBucket)
	if pBucket == nil || eBucket == nil {
		return nil, nil, errors.New("buckets not initialized")
	}
	return pBucket, eBucket, nil
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict):
		return err
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return &storage.ConnectionError{Op: op, Err: err}
	default:
		return &storage.QueryError{Op: op, Err: err}
	}
}

func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, toTimestamp(t))
	copy(key[8:], id)
	return key
}

func toTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UTC().UnixNano())
}
