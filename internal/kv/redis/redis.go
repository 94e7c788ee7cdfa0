package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cashflow/internal/kv"
	"cashflow/internal/retry"
)

// Config holds the connection and resilience settings of the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// Timeout bounds every store call, retries included.
	Timeout time.Duration
	// Retries is the number of extra attempts after an optimistic lock conflict.
	Retries int
}

// Store keeps each value under its key as a plain Redis string.
type Store struct {
	client  *goredis.Client
	timeout time.Duration
	retry   retry.Config
}

var _ kv.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client. A zero Timeout falls back to 5s
// and a negative Retries to the retry package default.
func NewFromClient(client *goredis.Client, cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rc := retry.DefaultConfig()
	if cfg.Retries >= 0 {
		// 0 disables retries
		rc.MaxRetries = cfg.Retries
	}
	rc.Retryable = func(err error) bool {
		return errors.Is(err, goredis.TxFailedErr)
	}
	return &Store{client: client, timeout: timeout, retry: rc}
}

// Client exposes the underlying connection so other components (pub/sub)
// can share it.
func (s *Store) Client() *goredis.Client {
	return s.client
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Update uses WATCH/MULTI/EXEC. When another client writes key between the
// read and the EXEC, the transaction fails and is retried with backoff.
func (s *Store) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var fnErr error
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		fnErr = nil
		return s.client.Watch(ctx, func(tx *goredis.Tx) error {
			old, err := tx.Get(ctx, key).Bytes()
			exists := true
			if errors.Is(err, goredis.Nil) {
				old, exists = nil, false
			} else if err != nil {
				return err
			}

			next, err := fn(old, exists)
			if errors.Is(err, kv.ErrSkipWrite) {
				return nil
			}
			if err != nil {
				fnErr = err
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
