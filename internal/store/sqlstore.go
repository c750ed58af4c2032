package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"agentplane/internal/model"
)

// DB wraps a database handle shared by all SQL-backed stores in a process.
// The DSN selects the driver: postgres:// / postgresql:// prefixes use pgx,
// anything else is treated as a SQLite file path.
type DB struct {
	db         *sql.DB
	isPostgres bool
}

// Open connects to the database named by dsn and prepares it for use.
func Open(dsn string) (*DB, error) {
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// WAL mode for concurrent readers (SQLite only).
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	return &DB{db: db, isPostgres: isPostgres}, nil
}

// IsPostgres reports whether the handle is backed by PostgreSQL.
func (d *DB) IsPostgres() bool { return d.isPostgres }

// Close releases the underlying connection pool.
func (d *DB) Close() error { return d.db.Close() }

// rebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// SQLStore persists one entity type as JSON rows in its own table:
// (key TEXT PRIMARY KEY, data JSON NOT NULL, created_at, updated_at).
type SQLStore[T any] struct {
	db    *DB
	table string
}

// NewSQLStore creates (if needed) the table for one logical store.
func NewSQLStore[T any](db *DB, table string) (*SQLStore[T], error) {
	dataType := "TEXT"
	tsType := "TEXT DEFAULT CURRENT_TIMESTAMP"
	if db.isPostgres {
		dataType = "JSONB"
		tsType = "TIMESTAMPTZ DEFAULT NOW()"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		data %s NOT NULL,
		created_at %s,
		updated_at %s
	)`, table, dataType, tsType, tsType)
	if _, err := db.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLStore[T]{db: db, table: table}, nil
}

// Put upserts value under key.
func (s *SQLStore[T]) Put(key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &model.StoreWriteError{Key: key, Err: err}
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (key, data) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		s.table)
	if s.db.isPostgres {
		upsert = fmt.Sprintf(`
		INSERT INTO %s (key, data) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, updated_at = NOW()`,
			s.table)
	}
	if _, err := s.db.db.Exec(rebind(s.db.isPostgres, upsert), key, string(data)); err != nil {
		return &model.StoreWriteError{Key: key, Err: err}
	}
	return nil
}

// Get returns the value under key and whether it exists.
func (s *SQLStore[T]) Get(key string) (T, bool, error) {
	var zero T
	var data string
	err := s.db.db.QueryRow(
		rebind(s.db.isPostgres, fmt.Sprintf("SELECT data FROM %s WHERE key = ?", s.table)), key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, &model.StoreReadError{Key: key, Err: err}
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return zero, false, &model.StoreReadError{Key: key, Err: err}
	}
	return v, true, nil
}

// List returns values whose key starts with prefix, ordered by creation time.
func (s *SQLStore[T]) List(prefix string) ([]T, error) {
	query := fmt.Sprintf("SELECT data FROM %s ORDER BY created_at, key", s.table)
	var args []any
	if prefix != "" {
		query = fmt.Sprintf(`SELECT data FROM %s WHERE key LIKE ? ESCAPE '\' ORDER BY created_at, key`, s.table)
		args = append(args, escapeLike(prefix)+"%")
	}
	rows, err := s.db.db.Query(rebind(s.db.isPostgres, query), args...)
	if err != nil {
		return nil, &model.StoreReadError{Key: prefix, Err: err}
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &model.StoreReadError{Key: prefix, Err: err}
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, &model.StoreReadError{Key: prefix, Err: err}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreReadError{Key: prefix, Err: err}
	}
	return out, nil
}

// Delete removes key and reports whether a row was deleted.
func (s *SQLStore[T]) Delete(key string) (bool, error) {
	res, err := s.db.db.Exec(
		rebind(s.db.isPostgres, fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table)), key)
	if err != nil {
		return false, &model.StoreWriteError{Key: key, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &model.StoreWriteError{Key: key, Err: err}
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (s *SQLStore[T]) Exists(key string) (bool, error) {
	var one int
	err := s.db.db.QueryRow(
		rebind(s.db.isPostgres, fmt.Sprintf("SELECT 1 FROM %s WHERE key = ?", s.table)), key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &model.StoreReadError{Key: key, Err: err}
	}
	return true, nil
}

// escapeLike escapes LIKE metacharacters in a key prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
