package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps both slots of an entry as rows in one SQLite table.
// The slots of a key are written in a single transaction.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

var _ Store = SQLiteStore{}

// NewSQLiteStore opens (or creates) the database in the given file.
// If file name is empty, an in-memory database shared within the process is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS slots (
			name TEXT PRIMARY KEY,
			expires INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON slots (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("initializing sqlite cache: %w", err)
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        time.Now,
	}, nil
}

func (s SQLiteStore) Exists(ctx context.Context, key string) bool {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM slots WHERE name IN (?, ?) AND expires > ?",
		ContentSlot(key), DataSlot(key), s.now().UnixNano(),
	).Scan(&count)
	return err == nil && count == 2
}

func (s SQLiteStore) Read(ctx context.Context, key string) (Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, bytes FROM slots WHERE name IN (?, ?) AND expires > ?",
		ContentSlot(key), DataSlot(key), s.now().UnixNano(),
	)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()

	var content, data []byte
	var hasContent, hasData bool
	for rows.Next() {
		var name string
		var b []byte
		if err := rows.Scan(&name, &b); err != nil {
			return Entry{}, err
		}
		switch name {
		case ContentSlot(key):
			content, hasContent = b, true
		case DataSlot(key):
			data, hasData = b, true
		}
	}
	if err := rows.Err(); err != nil {
		return Entry{}, err
	}
	if !hasContent || !hasData {
		rows.Close()
		if err := s.deleteExpired(ctx, key); err != nil {
			return Entry{}, fmt.Errorf("%w (expired slots not deleted: %v)", ErrNotFound, err)
		}
		return Entry{}, ErrNotFound
	}
	return decode(content, data)
}

// deleteExpired lazily removes expired slots of a key.
func (s SQLiteStore) deleteExpired(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM slots WHERE name IN (?, ?) AND expires <= ?",
		ContentSlot(key), DataSlot(key), s.now().UnixNano(),
	)
	return err
}

func (s SQLiteStore) Write(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	content, data, err := encode(entry, ttl)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl).UnixNano()

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, b := range map[string][]byte{ContentSlot(key): content, DataSlot(key): data} {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO slots (name, expires, bytes) VALUES (?, ?, ?)",
			name, expires, b,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteStore) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM slots WHERE name IN (?, ?)", ContentSlot(key), DataSlot(key))
	return err
}

func (s SQLiteStore) Clear(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM slots")
	return err
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
