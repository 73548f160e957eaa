/*
Package sqlite provides a SQL-backed implementation of coverage.Store.

PURPOSE:
  Persists the shared key-value namespace (order statuses, period
  records, ticketed ids, batch baton) in one table so several processes
  can share it the way browser tabs share platform storage. SQLite is
  the default; PostgreSQL (pgx) and MySQL use the same code with a
  different dialect.

KEY TABLE:
  coverage_kv(kv_key PRIMARY KEY, kv_value JSON text, updated_at)

ATOMICITY:
  Set and Remove run inside one database transaction, so a multi-key
  write is all-or-nothing. Read-merge-write across calls is not locked.

CHANGE NOTIFICATION:
  Writes made through this Store notify subscribers immediately. Writes
  made by other processes are picked up by Watch, which polls the table
  and publishes the differences.

WAL MODE:
  SQLite is opened with WAL and a busy timeout so a reader never blocks
  the single writer.

USAGE:
  kv, err := sqlite.New("./data/audit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer kv.Close()

  kv, err = sqlite.Open(sqlite.DialectPostgres, "postgres://...")

SEE ALSO:
  - coverage/store.go: Interface definition
  - coverage/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store"
)

// =============================================================================
// DIALECTS
// =============================================================================

// Dialect selects the driver and the SQL variant.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a configuration string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	}
	return "", fmt.Errorf("unknown database dialect %q", s)
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) schema() string {
	switch d {
	case DialectMySQL:
		return `CREATE TABLE IF NOT EXISTS coverage_kv (
			kv_key VARCHAR(255) PRIMARY KEY,
			kv_value LONGTEXT NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`
	default:
		return `CREATE TABLE IF NOT EXISTS coverage_kv (
			kv_key TEXT PRIMARY KEY,
			kv_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
	}
}

func (d Dialect) upsert() string {
	p1, p2, p3 := d.placeholder(1), d.placeholder(2), d.placeholder(3)
	if d == DialectMySQL {
		return `INSERT INTO coverage_kv (kv_key, kv_value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE kv_value = VALUES(kv_value), updated_at = VALUES(updated_at)`
	}
	return fmt.Sprintf(`INSERT INTO coverage_kv (kv_key, kv_value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value, updated_at = excluded.updated_at`, p1, p2, p3)
}

// =============================================================================
// STORE
// =============================================================================

// Store implements coverage.Store on database/sql.
type Store struct {
	store.Broadcaster

	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
	logger  *slog.Logger

	// last is the snapshot Watch diffs against.
	lastMu sync.Mutex
	last   map[string]json.RawMessage
}

// New opens a SQLite store at dbPath. Use ":memory:" for an in-memory
// database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = dbPath
	}
	return Open(DialectSQLite, dsn)
}

// Open connects with the given dialect and DSN and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection keeps a ":memory:" database alive and
		// serializes writers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect, logger: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// WithLogger sets the logger used by Watch.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(s.dialect.schema())
	return err
}

// Get returns the stored values for keys that exist.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, keys, out)
}

func (s *Store) getLocked(ctx context.Context, keys []string, out map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = s.dialect.placeholder(i + 1)
		args[i] = k
	}
	query := fmt.Sprintf(`SELECT kv_key, kv_value FROM coverage_kv WHERE kv_key IN (%s)`,
		strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Set writes every value in one transaction.
func (s *Store) Set(ctx context.Context, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}
	keys := sortedKeys(values)

	s.mu.Lock()
	old, err := s.getLocked(ctx, keys, make(map[string]json.RawMessage))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, s.dialect.upsert(), k, string(values[k]), now); err != nil {
				return fmt.Errorf("failed to write %s: %w", k, err)
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var changes []coverage.Change
	for _, k := range keys {
		prev, existed := old[k]
		if existed && bytes.Equal(prev, values[k]) {
			continue
		}
		changes = append(changes, coverage.Change{Key: k, Old: prev, New: values[k]})
	}
	s.remember(changes)
	s.Publish(changes)
	return nil
}

// Remove deletes the keys in one transaction.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	old, err := s.getLocked(ctx, keys, make(map[string]json.RawMessage))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`DELETE FROM coverage_kv WHERE kv_key = %s`, s.dialect.placeholder(1))
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, query, k); err != nil {
				return fmt.Errorf("failed to delete %s: %w", k, err)
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	var changes []coverage.Change
	for _, k := range sortedKeys(old) {
		changes = append(changes, coverage.Change{Key: k, Old: old[k]})
	}
	s.remember(changes)
	s.Publish(changes)
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// =============================================================================
// WATCH - Cross-process change detection
// =============================================================================

// Watch polls the table every interval and publishes changes written by
// other processes. It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if err := s.poll(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.logger.Warn("kv watch poll failed", "error", err)
			}
		}
	}
}

func (s *Store) poll(ctx context.Context) error {
	current, err := s.all(ctx)
	if err != nil {
		return err
	}

	s.lastMu.Lock()
	prev := s.last
	s.last = current
	s.lastMu.Unlock()
	if prev == nil {
		return nil
	}

	var changes []coverage.Change
	for _, k := range sortedKeys(current) {
		if old, ok := prev[k]; !ok || !bytes.Equal(old, current[k]) {
			changes = append(changes, coverage.Change{Key: k, Old: prev[k], New: current[k]})
		}
	}
	for _, k := range sortedKeys(prev) {
		if _, ok := current[k]; !ok {
			changes = append(changes, coverage.Change{Key: k, Old: prev[k]})
		}
	}
	s.Publish(changes)
	return nil
}

func (s *Store) all(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT kv_key, kv_value FROM coverage_kv`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// remember folds local writes into the Watch snapshot so they are not
// published a second time.
func (s *Store) remember(changes []coverage.Change) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return
	}
	for _, c := range changes {
		if c.New == nil {
			delete(s.last, c.Key)
		} else {
			s.last[c.Key] = c.New
		}
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ coverage.Store = (*Store)(nil)
