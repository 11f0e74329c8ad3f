// Package storage provides the sqlite market journal: an append-only audit
// trail of sale and purchase activity. The journal is never consulted to
// rebuild broker state; deleting the database changes no broker behavior.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage wraps the journal database.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (or creates) the journal database in the data directory.
func New(cfg *Config) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "agora.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- Append-only market activity journal
	CREATE TABLE IF NOT EXISTS market_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		buyer_id TEXT,
		quantity TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON market_events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_seller ON market_events(seller_id);
	CREATE INDEX IF NOT EXISTS idx_events_sale ON market_events(sale_id);
	`
	_, err := s.db.Exec(schema)
	return err
}
