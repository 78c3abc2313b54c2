package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to document ids to form Redis keys.
const DefaultRedisPrefix = "leaselock:doc:"

// RedisStore keeps each document as a JSON string value. Lease changes use optimistic
// transactions: the key is WATCHed, the predicate is evaluated in Go, and the write is
// committed with MULTI/EXEC. A transaction that loses a race is retried a bounded
// number of times before ErrConflict is returned.
type RedisStore[P any] struct {
	client redis.UniversalClient
	prefix string
	opts   storeOptions
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix string
	store  []StoreOption
}

// WithKeyPrefix sets the prefix for document keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		c.prefix = prefix
	}
}

// WithRedisStoreOptions passes shared store options to the Redis store.
func WithRedisStoreOptions(opts ...StoreOption) RedisOption {
	return func(c *redisConfig) {
		c.store = append(c.store, opts...)
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore[P any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[P] {
	c := redisConfig{prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(&c)
	}
	return &RedisStore[P]{
		client: client,
		prefix: c.prefix,
		opts:   newStoreOptions("redis", c.store),
	}
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore[P]) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LeaseDuration implements Store.
func (s *RedisStore[P]) LeaseDuration() time.Duration { return s.opts.lease }

// Create implements Documents.
func (s *RedisStore[P]) Create(ctx context.Context, id string, doc *P) error {
	if id == "" || doc == nil {
		return fmt.Errorf("%w: id and document are required", ErrInvalidArgument)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	wasSet, err := s.client.SetNX(ctx, s.key(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if !wasSet {
		return fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	return nil
}

// Get implements Documents.
func (s *RedisStore[P]) Get(ctx context.Context, id string) (*P, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeDocument[P](data)
}

// AcquireLock implements Store.
func (s *RedisStore[P]) AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkStaleMultiplier(staleMultiplier); err != nil {
		return nil, err
	}

	lockID := s.opts.newID()
	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		// The window is recomputed per attempt so a retried transaction does not use a
		// stale clock reading.
		until, staleBefore := s.opts.leaseWindow(staleMultiplier)
		return applyAcquire(doc, sel, targetID, lockID, until, staleBefore)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	s.opts.trace("acquire", sel, parentID, targetID, doc != nil)
	return doc, nil
}

// RefreshLock implements Store.
func (s *RedisStore[P]) RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		until, _ := s.opts.leaseWindow(0)
		return applyRefresh(doc, sel, targetID, lockID, until)
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	s.opts.trace("refresh", sel, parentID, targetID, doc != nil)
	return doc != nil, nil
}

// ReleaseLock implements Store.
func (s *RedisStore[P]) ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		return applyRelease(doc, sel, targetID, lockID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	s.opts.trace("release", sel, parentID, targetID, doc != nil)
	return true, nil
}

// GetLockedEntity implements Store.
func (s *RedisStore[P]) GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkLockID(lockID); err != nil {
		return nil, err
	}

	doc, err := s.Get(ctx, parentID)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !holds(doc, sel, targetID, lockID) {
		return nil, nil
	}
	return doc, nil
}

func (s *RedisStore[P]) key(id string) string {
	return s.prefix + id
}

// mutate runs fn against the document inside a WATCH transaction and commits the result
// if fn reports a change. It returns nil when the key is absent or fn did not match.
func (s *RedisStore[P]) mutate(ctx context.Context, id string, fn func(*P) bool) (*P, error) {
	key := s.key(id)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var result *P

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}

			doc, err := decodeDocument[P](data)
			if err != nil {
				return err
			}
			if !fn(doc) {
				return nil
			}

			updated, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to encode document: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			if err != nil {
				return err
			}
			result = doc
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			s.opts.logger.Trace().Str("key", key).Int("attempt", attempt+1).Msg("redis transaction conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}
