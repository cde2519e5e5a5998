package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage is the default Storage implementation.
// Namespaces live in their own table so that empty namespaces
// survive between opens.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS namespaces (
		name TEXT PRIMARY KEY
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		namespace TEXT,
		key TEXT,
		fetched_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return &sqliteCache{storage: s, namespace: name}, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", name); err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	storage   *SQLiteStorage
	namespace string
}

func (c *sqliteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var fetchedAt int64
	err := c.storage.db.QueryRowContext(ctx,
		"SELECT fetched_at, bytes FROM entries WHERE namespace = ? AND key = ?",
		c.namespace, key).Scan(&fetchedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.FetchedAt = time.Unix(fetchedAt, 0)
	return entry, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, entry Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	_, err := c.storage.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(namespace, key, fetched_at, bytes) VALUES (?, ?, ?, ?)`,
		c.namespace, entry.Key, entry.FetchedAt.Unix(), entry.Bytes)
	return err
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(namespace, key, fetched_at, bytes) VALUES (?, ?, ?, ?)`,
			c.namespace, entry.Key, entry.FetchedAt.Unix(), entry.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE namespace = ? ORDER BY key", c.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	result, err := c.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND key = ?", c.namespace, key)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}
