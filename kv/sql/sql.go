// Package sql provides an embedded/network-SQL implementation of kv.Store,
// backed by a single table (key TEXT PRIMARY KEY, value TEXT, expiry INTEGER)
// as described in spec §4.1.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// import third party drivers, the same way dexidp/dex's storage/sql does.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dexidp/openauth/kv"
)

var _ kv.Store = (*Store)(nil)

// dialect abstracts the handful of SQL differences between drivers: bind
// parameter style and upsert syntax. New driver flavors are added here
// rather than by branching call sites, following the flavor-table approach
// of dexidp/dex's storage/sql package.
type dialect struct {
	name string
	// bind renders the i-th (1-indexed) bind parameter.
	bind func(i int) string
	// upsert renders the insert-or-update statement for the kv table
	// (ON CONFLICT, or ON DUPLICATE KEY UPDATE for MySQL).
	upsert string
	// createTable renders CREATE TABLE IF NOT EXISTS for the kv table.
	createTable string
}

var dialects = map[string]dialect{
	"sqlite3": {
		name: "sqlite3",
		bind: func(i int) string { return "?" },
		upsert: `INSERT INTO kv_store (key, value, expiry) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		createTable: `CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expiry INTEGER NOT NULL DEFAULT 0
		)`,
	},
	"postgres": {
		name: "postgres",
		bind: func(i int) string { return fmt.Sprintf("$%d", i) },
		upsert: `INSERT INTO kv_store (key, value, expiry) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expiry = excluded.expiry`,
		createTable: `CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expiry BIGINT NOT NULL DEFAULT 0
		)`,
	},
	"mysql": {
		name: "mysql",
		bind: func(i int) string { return "?" },
		upsert: `INSERT INTO kv_store (key_col, value, expiry) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), expiry = VALUES(expiry)`,
		createTable: `CREATE TABLE IF NOT EXISTS kv_store (
			key_col VARCHAR(767) PRIMARY KEY,
			value LONGTEXT NOT NULL,
			expiry BIGINT NOT NULL DEFAULT 0
		)`,
	},
}

// keyColumn returns the SQL column name for the key, which differs only for
// MySQL because "key" collides with its reserved KEY index syntax in some
// dialects when unquoted consistently across drivers.
func (d dialect) keyColumn() string {
	if d.name == "mysql" {
		return "key_col"
	}
	return "key"
}

// Config configures the SQL store.
type Config struct {
	// Driver is one of "sqlite3", "postgres", "mysql".
	Driver string
	// DataSourceName is passed to database/sql.Open verbatim.
	DataSourceName string
}

// Open opens the database, ensures the kv_store table exists, and returns a
// ready-to-use kv.Store.
func (c *Config) Open(logger *slog.Logger) (*Store, error) {
	d, ok := dialects[c.Driver]
	if !ok {
		return nil, fmt.Errorf("sql: unsupported driver %q", c.Driver)
	}
	db, err := sql.Open(c.Driver, c.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sql: open: %w", err)
	}
	if _, err := db.Exec(d.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sql: create table: %w", err)
	}
	return &Store{db: db, dialect: d, logger: logger, now: time.Now}, nil
}

// Store is a database/sql-backed kv.Store.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, error) {
	col := s.dialect.keyColumn()
	q := fmt.Sprintf("SELECT value, expiry FROM kv_store WHERE %s = %s", col, s.dialect.bind(1))
	var (
		value  string
		expiry int64
	)
	err := s.db.QueryRowContext(ctx, q, key.Join()).Scan(&value, &expiry)
	if err == sql.ErrNoRows {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql: get: %w", err)
	}
	if expiry != 0 && s.now().Unix() > expiry {
		_ = s.Remove(ctx, key)
		return nil, kv.ErrNotFound
	}
	return []byte(value), nil
}

func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = s.now().Add(ttl).Unix()
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key.Join(), string(value), expiry); err != nil {
		return fmt.Errorf("sql: set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key kv.Key) error {
	col := s.dialect.keyColumn()
	q := fmt.Sprintf("DELETE FROM kv_store WHERE %s = %s", col, s.dialect.bind(1))
	if _, err := s.db.ExecContext(ctx, q, key.Join()); err != nil {
		return fmt.Errorf("sql: remove: %w", err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix kv.Key) (kv.Iterator, error) {
	col := s.dialect.keyColumn()
	p := prefix.Join()
	escaped := escapeLike(p)
	q := fmt.Sprintf("SELECT %s, value, expiry FROM kv_store WHERE %s LIKE %s ESCAPE '\\'", col, col, s.dialect.bind(1))
	rows, err := s.db.QueryContext(ctx, q, escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("sql: scan: %w", err)
	}
	defer rows.Close()

	now := s.now().Unix()
	var (
		out     []kv.Entry
		expired []string
	)
	for rows.Next() {
		var (
			keyStr string
			value  string
			expiry int64
		)
		if err := rows.Scan(&keyStr, &value, &expiry); err != nil {
			return nil, fmt.Errorf("sql: scan row: %w", err)
		}
		if expiry != 0 && now > expiry {
			expired = append(expired, keyStr)
			continue
		}
		out = append(out, kv.Entry{Key: splitJoined(keyStr), Value: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range expired {
		q := fmt.Sprintf("DELETE FROM kv_store WHERE %s = %s", col, s.dialect.bind(1))
		s.db.ExecContext(ctx, q, k)
	}
	return kv.NewSliceIterator(out), nil
}

// escapeLike escapes SQL LIKE metacharacters so a prefix containing literal
// % or _ still matches exactly, not as a wildcard.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
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
