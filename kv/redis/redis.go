// Package redis provides a Redis implementation of kv.Store, using SCAN for
// prefix iteration and SET with a relative expiry for TTLs; EXPIREAT is not
// used.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dexidp/openauth/kv"
)

var _ kv.Store = (*Store)(nil)

// Config configures the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open connects to Redis and returns a kv.Store.
func (c *Config) Open(logger *slog.Logger) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	return &Store{rdb: rdb, logger: logger}, nil
}

// Store is a github.com/redis/go-redis/v9-backed kv.Store.
type Store struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	v, err := s.rdb.Get(ctx, key.Join()).Bytes()
	if err == goredis.Nil {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key.Join(), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key kv.Key) error {
	if err := s.rdb.Del(ctx, key.Join()).Err(); err != nil {
		return fmt.Errorf("redis: remove: %w", err)
	}
	return nil
}

// Scan uses SCAN with a MATCH pattern over the prefix. Redis's own TTL
// expiry means scanned keys are never stale: a key past its expiry is
// already gone from the keyspace.
func (s *Store) Scan(ctx context.Context, prefix kv.Key) (kv.Iterator, error) {
	pattern := prefix.Join() + "*"
	var (
		out    []kv.Entry
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan: %w", err)
		}
		for _, k := range keys {
			v, err := s.rdb.Get(ctx, k).Bytes()
			if err == goredis.Nil {
				continue // raced with an expiry between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("redis: scan get: %w", err)
			}
			out = append(out, kv.Entry{Key: splitJoined(k), Value: v})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return kv.NewSliceIterator(out), nil
}

func splitJoined(joined string) kv.Key {
	segs := []string{}
	start := 0
	for i := 0; i < len(joined); i++ {
		if joined[i] == '\x1f' {
			segs = append(segs, joined[start:i])
			start = i + 1
		}
	}
	segs = append(segs, joined[start:])
	return kv.Key(segs)
}
