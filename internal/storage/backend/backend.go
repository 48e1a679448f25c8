// Package backend opens the storage.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"pastebin/internal/config"
	"pastebin/internal/storage"
	"pastebin/internal/storage/boltstore"
	"pastebin/internal/storage/dynamostore"
	"pastebin/internal/storage/mongostore"
	"pastebin/internal/storage/pgstore"
	"pastebin/internal/storage/redisstore"
	"pastebin/internal/storage/sqlitestore"
)

// Open creates the storage backend named by cfg.Store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	opts := cfg.StorageOptions()
	switch cfg.Store {
	case config.StorePostgres:
		logger.Info("using postgres storage", "max_conns", opts.MaxConns, "tls", cfg.UseTLS())
		gw, err := pgstore.Open(ctx, pgstore.Config{ConnString: cfg.PostgresDSN(), Options: opts}, logger)
		if err != nil {
			return nil, err
		}
		store := pgstore.New(gw)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, nil

	case config.StoreSQLite:
		logger.Info("using sqlite storage", "path", cfg.DataPath)
		store, err := sqlitestore.Open(cfg.DataPath, opts.QueryTimeout)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreBolt:
		logger.Info("using bolt storage", "path", cfg.DataPath)
		store, err := boltstore.Open(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreMongoDB:
		logger.Info("using mongodb storage", "database", cfg.MongoDBDatabase)
		store, err := mongostore.Open(ctx, cfg.MongoDBURI, cfg.MongoDBDatabase, opts)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreDynamoDB:
		logger.Info("using dynamodb storage", "table", cfg.DynamoDBTable, "region", cfg.AWSRegion)
		store, err := dynamostore.Open(ctx, cfg.DynamoDBTable, cfg.AWSRegion, cfg.DynamoDBEndpoint, opts)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreRedis:
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return redisstore.Open(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Options:  opts,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.Store)
	}
}
