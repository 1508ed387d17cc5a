// Package etcd provides an etcd implementation of kv.Store, using etcd's
// native lease mechanism for TTLs and WithPrefix() for prefix scans.
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dexidp/openauth/kv"
)

// defaultStorageTimeout bounds every etcd round trip, the same way
// dexidp/dex's storage/etcd applies a blanket timeout to all operations.
const defaultStorageTimeout = 5 * time.Second

var _ kv.Store = (*Store)(nil)

// Config configures the etcd store.
type Config struct {
	Endpoints []string
}

// Open dials etcd and returns a kv.Store.
func (c *Config) Open(logger *slog.Logger) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: defaultStorageTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}
	return &Store{db: cli, logger: logger}, nil
}

// Store is a go.etcd.io/etcd/client/v3-backed kv.Store.
type Store struct {
	db     *clientv3.Client
	logger *slog.Logger
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	resp, err := s.db.Get(ctx, key.Join())
	if err != nil {
		return nil, fmt.Errorf("etcd: get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, kv.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if ttl <= 0 {
		_, err := s.db.Put(ctx, key.Join(), string(value))
		if err != nil {
			return fmt.Errorf("etcd: set: %w", err)
		}
		return nil
	}

	lease, err := s.db.Grant(ctx, int64(ttl.Seconds())+1)
	if err != nil {
		return fmt.Errorf("etcd: grant lease: %w", err)
	}
	if _, err := s.db.Put(ctx, key.Join(), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd: set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key kv.Key) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	if _, err := s.db.Delete(ctx, key.Join()); err != nil {
		return fmt.Errorf("etcd: remove: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix kv.Key) (kv.Iterator, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStorageTimeout)
	defer cancel()

	resp, err := s.db.Get(ctx, prefix.Join(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: scan: %w", err)
	}
	out := make([]kv.Entry, 0, len(resp.Kvs))
	for _, kvPair := range resp.Kvs {
		out = append(out, kv.Entry{Key: splitJoined(string(kvPair.Key)), Value: kvPair.Value})
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
