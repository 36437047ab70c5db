package session

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_kv.sql
var kvSchema string

// SQLiteBackend stores all buckets in one kv table.
type SQLiteBackend struct {
	db *sql.DB
}

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// OpenSQLite opens (creating when missing) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite admits a single writer.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	if _, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var applied []int
	if err := sqlscan.Select(context.Background(), b.db, &applied, `SELECT version FROM schema_migrations ORDER BY version`); err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, kvSchema},
	}
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		tx, err := b.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Get reads one value.
func (b *SQLiteBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var row kvRow
	err := sqlscan.Get(ctx, b.db, &row, `SELECT key, value FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return row.Value, nil
}

// Put upserts one value.
func (b *SQLiteBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO kv (bucket, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes one value, reporting whether it existed.
func (b *SQLiteBackend) Delete(ctx context.Context, bucket, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return n > 0, nil
}

// Keys lists keys in bucket with the given prefix.
func (b *SQLiteBackend) Keys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	err := sqlscan.Select(ctx, b.db, &keys,
		`SELECT key FROM kv WHERE bucket = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		bucket, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	return keys, nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
