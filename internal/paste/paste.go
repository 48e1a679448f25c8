// Package paste holds the paste lifecycle: validated ingestion, view-limited
// reads and the background janitor.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"pastebin/internal/id"
	"pastebin/internal/storage"
)

const (
	defaultMaxContentBytes = 1_048_576
	insertAttempts         = 3

	// maxTTLSeconds keeps created_at + ttl inside time.Duration.
	maxTTLSeconds = math.MaxInt64 / int64(time.Second)
)

// ValidationError reports a rejected create request. Field names the
// offending input as it appears on the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CreateRequest is the input to Create. Nil limits mean unlimited.
type CreateRequest struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
}

// Config captures service dependencies.
type Config struct {
	Store           storage.Store
	IDGenerator     *id.Generator
	MaxContentBytes int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service creates and reads pastes.
type Service struct {
	store    storage.Store
	idGen    *id.Generator
	maxBytes int
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.New(0)
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		idGen:    cfg.IDGenerator,
		maxBytes: cfg.MaxContentBytes,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// MaxContentBytes returns the size limit applied to new pastes.
func (s *Service) MaxContentBytes() int {
	return s.maxBytes
}

// Now returns the service clock truncated to the millisecond, the precision
// every backend stores.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Create validates req and stores a new paste using the service clock.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Paste, error) {
	return s.CreateAt(ctx, req, s.Now())
}

// CreateAt is Create with an explicit creation time.
func (s *Service) CreateAt(ctx context.Context, req CreateRequest, now time.Time) (*storage.Paste, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	now = now.UTC().Truncate(time.Millisecond)

	paste := &storage.Paste{
		Content:   req.Content,
		CreatedAt: now,
	}
	if req.TTLSeconds != nil {
		expires := now.Add(time.Duration(*req.TTLSeconds) * time.Second)
		paste.ExpiresAt = &expires
	}
	if req.MaxViews != nil {
		v := int(*req.MaxViews)
		paste.MaxViews = &v
	}

	for attempt := 1; ; attempt++ {
		pasteID, err := s.idGen.Generate(ctx)
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		paste.ID = pasteID
		err = s.store.Insert(ctx, paste)
		if err == nil {
			return paste, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == insertAttempts {
			return nil, err
		}
		s.logger.Warn("paste id collision, retrying", "attempt", attempt)
	}
}

// Validate checks req against the ingestion rules without touching the store.
func (s *Service) Validate(req CreateRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return &ValidationError{Field: "content", Reason: "content is required"}
	}
	if len(req.Content) > s.maxBytes {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("content exceeds %d byte limit", s.maxBytes)}
	}
	if req.TTLSeconds != nil {
		switch {
		case *req.TTLSeconds <= 0:
			return &ValidationError{Field: "ttl_seconds", Reason: "must be a positive integer"}
		case *req.TTLSeconds > maxTTLSeconds:
			return &ValidationError{Field: "ttl_seconds", Reason: "is too large"}
		}
	}
	if req.MaxViews != nil {
		switch {
		case *req.MaxViews <= 0:
			return &ValidationError{Field: "max_views", Reason: "must be a positive integer"}
		case *req.MaxViews > math.MaxInt32:
			return &ValidationError{Field: "max_views", Reason: "is too large"}
		}
	}
	return nil
}

// Read consumes one view of the paste using the service clock.
func (s *Service) Read(ctx context.Context, pasteID string) (*storage.Paste, error) {
	return s.ReadAt(ctx, pasteID, s.Now())
}

// ReadAt consumes one view of the paste as of now. It returns
// storage.ErrUnavailable when the paste does not exist, has expired or has no
// views left. Store failures are returned as is and never retried.
func (s *Service) ReadAt(ctx context.Context, pasteID string, now time.Time) (*storage.Paste, error) {
	if !id.Valid(pasteID) {
		return nil, storage.ErrUnavailable
	}
	return s.store.Consume(ctx, pasteID, now.UTC().Truncate(time.Millisecond))
}

// PeekAt returns the paste without consuming a view, provided a read at now
// would succeed.
func (s *Service) PeekAt(ctx context.Context, pasteID string, now time.Time) (*storage.Paste, error) {
	if !id.Valid(pasteID) {
		return nil, storage.ErrUnavailable
	}
	paste, err := s.store.Get(ctx, pasteID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	if !paste.Available(now.UTC().Truncate(time.Millisecond)) {
		return nil, storage.ErrUnavailable
	}
	return paste, nil
}

// Health reports whether the store answers. It never returns an error.
func (s *Service) Health(ctx context.Context) bool {
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", "error", err)
		return false
	}
	return true
}
