package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

type dialect struct {
	driver string
	schema string
	upsert string
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	schema: `
		CREATE TABLE IF NOT EXISTS kv_records (
			collection TEXT NOT NULL,
			record_key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (collection, record_key)
		)`,
	upsert: `
		INSERT INTO kv_records (collection, record_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, record_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
}

var mysqlDialect = dialect{
	driver: "mysql",
	schema: `
		CREATE TABLE IF NOT EXISTS kv_records (
			collection VARCHAR(64) NOT NULL,
			record_key VARCHAR(512) NOT NULL,
			value LONGTEXT NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (collection, record_key)
		)`,
	upsert: `
		INSERT INTO kv_records (collection, record_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			updated_at = VALUES(updated_at)`,
}

// SQLStore is a database/sql backed Store for SQLite and MySQL.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// NewSQLiteStore opens (or creates) a SQLite database file in WAL mode.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = "state/recordflow.db"
	}
	if file, _, _ := strings.Cut(path, "?"); file != ":memory:" && !strings.HasPrefix(file, "file:") {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", file, err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	return openSQL(ctx, sqliteDialect, dsn)
}

// NewMySQLStore connects to MySQL using a go-sql-driver DSN.
func NewMySQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("a DSN is required for the mysql store")
	}
	return openSQL(ctx, mysqlDialect, dsn)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.driver, err)
	}
	if d.driver == "sqlite3" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d.driver, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create kv_records table: %w", err)
	}
	return &SQLStore{db: db, d: d}, nil
}

func (s *SQLStore) Get(ctx context.Context, collection, key string, dst any) error {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_records WHERE collection = ? AND record_key = ?`,
		collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, key, err)
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, key, err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.upsert, collection, key, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, collection, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv_records WHERE collection = ? AND record_key = ?`,
		collection, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE collection = ? AND record_key = ?`,
		collection, key,
	); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
