package credential

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db  *sql.DB
	key string
}

func NewSQLiteStore(dataSourceName, key string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if key == "" {
		key = DefaultKey
	}

	store := &SQLiteStore{db: db, key: key}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS credentials (
        slot TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM credentials WHERE slot = ?", s.key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to query credential: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (slot, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(slot) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE slot = ?", s.key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
