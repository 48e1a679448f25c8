package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned by Consume when a paste does not exist, has
	// expired or has no views left. The three cases are not distinguished.
	ErrUnavailable = errors.New("paste unavailable")

	// ErrNotFound is returned by Get when no record exists for the id.
	ErrNotFound = errors.New("paste not found")

	// ErrConflict is returned by Insert when the id is already taken.
	ErrConflict = errors.New("paste id already exists")
)

// Paste represents a stored paste entry.
type Paste struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxViews  *int       `json:"max_views,omitempty"`
	ViewCount int        `json:"view_count"`
}

// HasExpiration reports whether the paste has an expiry set.
func (p Paste) HasExpiration() bool {
	return p.ExpiresAt != nil
}

// Expired reports whether the paste is past its expiry at now.
func (p Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Exhausted reports whether every allowed view has been consumed.
func (p Paste) Exhausted() bool {
	return p.MaxViews != nil && p.ViewCount >= *p.MaxViews
}

// Available reports whether a read at now may consume a view.
func (p Paste) Available(now time.Time) bool {
	return !p.Expired(now) && !p.Exhausted()
}

// RemainingViews returns the views left, or nil when views are unlimited.
func (p Paste) RemainingViews() *int {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewCount
	if left < 0 {
		left = 0
	}
	return &left
}

// Store defines the storage backend contract.
//
// Consume must perform the availability check and the view increment as one
// atomic operation in the backing store so that concurrent readers, possibly
// in different processes, can never push ViewCount past MaxViews.
type Store interface {
	Insert(ctx context.Context, paste *Paste) error
	Consume(ctx context.Context, id string, now time.Time) (*Paste, error)
	Get(ctx context.Context, id string) (*Paste, error)
	Purge(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConnectionError reports that the store could not be reached or did not
// answer in time.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: store unreachable: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a store-side failure such as a malformed statement or a
// constraint violation.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: query failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsContextError reports whether err stems from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// WithTimeout bounds ctx by d unless d is zero.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Options carries the pooling limits shared by the network backends.
type Options struct {
	MaxConns       int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	QueryTimeout   time.Duration
}

// DefaultOptions mirrors the limits the service has always run with.
func DefaultOptions() Options {
	return Options{
		MaxConns:       10,
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		QueryTimeout:   10 * time.Second,
	}
}
