// Package memory provides an in-memory implementation of kv.Store.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dexidp/openauth/kv"
)

var _ kv.Store = (*Store)(nil)

// Config is an implementation of a storage configuration. The in-memory
// store has no configuration of its own.
type Config struct{}

// Open always returns a new in-memory store.
func (c *Config) Open(logger *slog.Logger) (kv.Store, error) {
	return New(logger), nil
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Store is a mutex-guarded map implementation of kv.Store. Expired entries
// are removed lazily, on Get/Scan, rather than by any background sweeper.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	logger *slog.Logger
	now    func() time.Time
}

// New returns an in-memory kv.Store.
func New(logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[string]entry),
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(_ context.Context, key kv.Key) ([]byte, error) {
	joined := key.Join()
	var (
		value []byte
		found bool
	)
	s.tx(func() {
		e, ok := s.entries[joined]
		if !ok || e.expired(s.now()) {
			if ok {
				delete(s.entries, joined)
			}
			return
		}
		found = true
		value = append([]byte(nil), e.value...)
	})
	if !found {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	joined := key.Join()
	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	cp := append([]byte(nil), value...)
	s.tx(func() {
		s.entries[joined] = entry{value: cp, expires: expires}
	})
	return nil
}

func (s *Store) Remove(_ context.Context, key kv.Key) error {
	s.tx(func() {
		delete(s.entries, key.Join())
	})
	return nil
}

func (s *Store) Scan(_ context.Context, prefix kv.Key) (kv.Iterator, error) {
	p := prefix.Join()
	now := s.now()
	var (
		out     []kv.Entry
		expired []string
	)
	s.tx(func() {
		for joined, e := range s.entries {
			if len(p) > 0 && !hasPrefix(joined, p) {
				continue
			}
			if e.expired(now) {
				expired = append(expired, joined)
				continue
			}
			out = append(out, kv.Entry{Key: splitKey(joined), Value: append([]byte(nil), e.value...)})
		}
		for _, joined := range expired {
			delete(s.entries, joined)
		}
	})
	return kv.NewSliceIterator(out), nil
}

func hasPrefix(joined, prefix string) bool {
	return len(joined) >= len(prefix) && joined[:len(prefix)] == prefix
}

// splitKey reconstructs segments from a joined key, since the map stores
// only the joined form.
func splitKey(joined string) kv.Key {
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
