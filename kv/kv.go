// Package kv defines the hierarchical, TTL-aware key-value contract every
// issuer flow and every provider-owned credential is stored through.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no value is stored under a key.
// Remove never returns it: removing an absent key succeeds.
var ErrNotFound = errors.New("kv: not found")

// sep is the reserved segment separator. It is a non-printable control
// character so it can never collide with a caller-supplied segment typed on
// a keyboard.
const sep = "\x1f"

// Key is an ordered sequence of string segments, e.g. {"oauth", "refresh",
// subjectID, refreshID}. Segments are joined with a reserved separator that
// callers cannot smuggle: any segment containing it is silently stripped of
// the separator before joining, rather than rejected, so a write can never
// fail because of what a client sent as, say, an email address.
type Key []string

// Join renders the key as its storage-level string form.
func (k Key) Join() string {
	clean := make([]string, len(k))
	for i, s := range k {
		clean[i] = strings.ReplaceAll(s, sep, "")
	}
	return strings.Join(clean, sep)
}

// HasPrefix reports whether k's joined form begins with prefix's joined
// form. The comparison is on strings, not whole segments, so
// {"a", "bc"} has the prefix {"a", "b"}.
func (k Key) HasPrefix(prefix Key) bool {
	joined := k.Join()
	p := prefix.Join()
	if p == "" {
		return true
	}
	return strings.HasPrefix(joined, p)
}

// Entry is one (key, value) pair yielded by Scan.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the semantic contract every storage backend implements. All
// methods must be individually atomic and safe under concurrent callers
// within one process; cross-key transactions are never required by the
// issuer.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound if absent or
	// expired.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value under key. If ttl is non-zero the entry expires and
	// becomes invisible to Get/Scan after ttl elapses; adapters may delete
	// expired entries lazily on read or via a periodic sweep.
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key Key) error

	// Scan returns every non-expired entry whose key begins with prefix.
	// Implementations that cannot support prefix scanning (because their
	// backend has no ordered iteration) must reject at construction time
	// any configuration that would require it, per §4.1.
	Scan(ctx context.Context, prefix Key) (Iterator, error)

	// Close releases resources held by the store (connections, files).
	Close() error
}

// Iterator lazily yields Scan results so backends can stream rather than
// buffer unbounded result sets.
type Iterator interface {
	// Next advances to the next entry, returning false when exhausted or on
	// error (check Err after Next returns false).
	Next() bool
	Entry() Entry
	Err() error
	Close() error
}

// SliceIterator adapts a pre-materialized slice of entries to Iterator, for
// backends (memory, SQL, DynamoDB) whose native query already returns a
// complete result set.
type SliceIterator struct {
	entries []Entry
	pos     int
}

// NewSliceIterator wraps entries for iteration.
func NewSliceIterator(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

func (it *SliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *SliceIterator) Entry() Entry {
	return it.entries[it.pos]
}

func (it *SliceIterator) Err() error   { return nil }
func (it *SliceIterator) Close() error { return nil }

// Collect drains an Iterator into a slice. Intended for tests and small
// scans; production call sites should range over Next/Entry directly.
func Collect(it Iterator) ([]Entry, error) {
	defer it.Close()
	var out []Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
