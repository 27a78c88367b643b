// Package sqlite is the pure-Go sqlite-backed storage.Engine, keeping
// the teacher's WAL pragma setup but replacing the chronicle event
// schema with a small master/counter table. Each Store opens its one
// partition's *sql.DB eagerly in NewStore; there is no lazy
// per-partition cache.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"slogd/internal/domain"

	_ "modernc.org/sqlite"
)

const masterSchema = `
CREATE TABLE IF NOT EXISTS key_master (
	key TEXT PRIMARY KEY,
	master_region INTEGER NOT NULL,
	counter INTEGER NOT NULL
);
`

// Store is a storage.Engine backed by one sqlite file per partition.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewStore(baseDir string, partitionID uint32) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	path := filepath.Join(baseDir, fmt.Sprintf("partition-%02d.db", partitionID))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(masterSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: path, db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) GetMaster(ctx context.Context, key string) (domain.MasterMetadata, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT master_region, counter FROM key_master WHERE key = ?`, key)
	var meta domain.MasterMetadata
	err := row.Scan(&meta.MasterRegion, &meta.Counter)
	if err == sql.ErrNoRows {
		return domain.MasterMetadata{}, false, nil
	}
	if err != nil {
		return domain.MasterMetadata{}, false, err
	}
	return meta, true, nil
}

func (s *Store) SetMaster(ctx context.Context, key string, meta domain.MasterMetadata) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO key_master(key, master_region, counter) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET master_region=excluded.master_region, counter=excluded.counter`,
		key, meta.MasterRegion, meta.Counter)
	return err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
