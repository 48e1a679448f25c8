package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"pastebin/internal/storage"
)

// Store implements storage.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration

	mu     sync.Mutex
	closed bool
}

// document is the on-disk shape of a paste.
type document struct {
	ID        string     `bson:"_id"`
	Content   string     `bson:"content"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	MaxViews  *int       `bson:"max_views,omitempty"`
	ViewCount int        `bson:"view_count"`
}

// Open connects to uri and prepares the pastes collection in database.
func Open(ctx context.Context, uri, database string, opts storage.Options) (*Store, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if opts.MaxConns > 0 {
		clientOpts.SetMaxPoolSize(uint64(opts.MaxConns))
	}
	if opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(opts.ConnectTimeout)
		clientOpts.SetServerSelectionTimeout(opts.ConnectTimeout)
	}
	if opts.IdleTimeout > 0 {
		clientOpts.SetMaxConnIdleTime(opts.IdleTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	store := &Store{
		client:     client,
		collection: client.Database(database).Collection("pastes"),
		timeout:    opts.QueryTimeout,
	}
	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// createIndexes adds a TTL index so MongoDB removes expired pastes by itself.
func (s *Store) createIndexes(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return classify("create indexes", err)
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

	doc := document{
		ID:        paste.ID,
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt.UTC(),
		ExpiresAt: paste.ExpiresAt,
		MaxViews:  paste.MaxViews,
		ViewCount: paste.ViewCount,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrConflict
		}
		return classify("insert paste", err)
	}
	return nil
}

// Consume increments the view counter with a single FindOneAndUpdate whose
// filter carries the availability guard. MongoDB applies it atomically per
// document.
func (s *Store) Consume(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{
		"_id": id,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gt": now.UTC()}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"max_views": nil},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$view_count", "$max_views"}}},
			}},
		},
	}
	update := bson.M{"$inc": bson.M{"view_count": 1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc document
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrUnavailable
	}
	if err != nil {
		return nil, classify("consume paste", err)
	}
	return doc.paste(), nil
}

// Get fetches a paste by id without touching its view counter.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, classify("get paste", err)
	}
	return doc.paste(), nil
}

// Purge removes expired and view-exhausted pastes. The TTL monitor only runs
// once a minute and knows nothing about view limits.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$lte": now.UTC()}},
		bson.M{
			"max_views": bson.M{"$ne": nil},
			"$expr":     bson.M{"$gte": bson.A{"$view_count", "$max_views"}},
		},
	}}
	res, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, classify("purge pastes", err)
	}
	return int(res.DeletedCount), nil
}

// Ping checks the primary answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close disconnects the client. Calling it more than once is fine.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (d document) paste() *storage.Paste {
	p := &storage.Paste{
		ID:        d.ID,
		Content:   d.Content,
		CreatedAt: d.CreatedAt.UTC(),
		MaxViews:  d.MaxViews,
		ViewCount: d.ViewCount,
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	return p
}

func classify(op string, err error) error {
	switch {
	case storage.IsContextError(err),
		mongo.IsTimeout(err),
		mongo.IsNetworkError(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return &storage.ConnectionError{Op: op, Err: err}
	}
	return &storage.QueryError{Op: op, Err: err}
}
