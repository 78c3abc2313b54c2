package main

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kneutral-org/leaselock/internal/api"
	"github.com/kneutral-org/leaselock/internal/config"
	"github.com/kneutral-org/leaselock/internal/lock"
)

const connectTimeout = 10 * time.Second

// openBackend connects the configured document store. The returned func closes
// the underlying client.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Backend[api.Resource], func(), error) {
	storeOpts := []lock.StoreOption{
		lock.WithLeaseDuration(cfg.LeaseDuration),
		lock.WithStoreLogger(logger),
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory lock backend; leases are not shared between instances")
		return lock.NewMemoryStore[api.Resource](storeOpts...), func() {}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		logger.Info().Str("database", cfg.Mongo.Database).Str("collection", cfg.Mongo.Collection).Msg("connected to mongodb")
		return lock.NewMongoStore[api.Resource](coll, storeOpts...), func() {
			_ = client.Disconnect(context.Background())
		}, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		store := lock.NewPostgresStore[api.Resource](pool, cfg.Postgres.Table, storeOpts...)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Str("table", cfg.Postgres.Table).Msg("connected to postgres")
		return store, pool.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		store := lock.NewRedisStore[api.Resource](client,
			lock.WithKeyPrefix(cfg.Redis.Prefix),
			lock.WithRedisStoreOptions(storeOpts...),
		)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		return store, func() { _ = client.Close() }, nil

	case config.BackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		logger.Info().Str("bucket", cfg.S3.Bucket).Str("prefix", cfg.S3.Prefix).Msg("using s3 backend")
		return lock.NewS3Store[api.Resource](client, cfg.S3.Bucket, cfg.S3.Prefix, storeOpts...), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
