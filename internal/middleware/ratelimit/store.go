package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is an atomic counter store.
type Store interface {
	// Incr increments key and makes it expire at expireAt. The returned value
	// is the post-increment count.
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
	// Get returns the current count, or zero if the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// RedisStore is a Store backed by the shared Conn.
type RedisStore struct {
	conn *Conn
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(conn *Conn) *RedisStore {
	return &RedisStore{conn: conn}
}

// Incr runs INCR and EXPIREAT in one transaction so a key never outlives its
// day even if the process dies between the two.
func (s *RedisStore) Incr(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.conn.OpTimeout())
	defer cancel()

	var incr *redis.IntCmd
	_, err = client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(opCtx, key)
		pipe.ExpireAt(opCtx, key, expireAt)
		return nil
	})
	if err != nil {
		s.failed(ctx, client, err)
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.conn.OpTimeout())
	defer cancel()

	n, err := client.Get(opCtx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		s.failed(ctx, client, err)
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.conn.OpTimeout())
	defer cancel()

	if err := client.Del(opCtx, key).Err(); err != nil {
		s.failed(ctx, client, err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// failed reports a command error to the Conn unless the caller gave up
// first. A cancelled or expired request says nothing about the store.
func (s *RedisStore) failed(ctx context.Context, client *redis.Client, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	s.conn.MarkFailed(client, err)
}
