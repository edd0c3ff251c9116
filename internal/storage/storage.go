// Package storage provides persistent storage using SQLite.
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

// Storage persists commitments and the spend proofs issued against them.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "threshmast.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Commitments: one row per built MAST. Participants are the sorted
	-- compressed keys (JSON array of hex); tree holds the encoded leaves.
	CREATE TABLE IF NOT EXISTS commitments (
		id TEXT PRIMARY KEY,
		label TEXT,
		network TEXT NOT NULL,

		threshold INTEGER NOT NULL,
		group_size INTEGER NOT NULL DEFAULT 0,
		participants TEXT NOT NULL,

		internal_key_mode TEXT NOT NULL,
		internal_key TEXT NOT NULL,
		output_key TEXT NOT NULL,
		root TEXT NOT NULL,
		address TEXT NOT NULL,

		total INTEGER NOT NULL,
		dropped INTEGER NOT NULL DEFAULT 0,
		max_leaves INTEGER NOT NULL DEFAULT 0,
		tree BLOB NOT NULL,

		created_at INTEGER NOT NULL,

		UNIQUE (network, output_key)
	);

	CREATE INDEX IF NOT EXISTS idx_commitments_network ON commitments(network);
	CREATE INDEX IF NOT EXISTS idx_commitments_created ON commitments(created_at);

	-- Spend proofs issued for a commitment
	CREATE TABLE IF NOT EXISTS spend_proofs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		commitment_id TEXT NOT NULL,
		leaf_index INTEGER NOT NULL,
		signers TEXT NOT NULL,
		proof BLOB NOT NULL,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (commitment_id) REFERENCES commitments(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_spend_proofs_commitment ON spend_proofs(commitment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting returns a stored setting, or "" when unset.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value.String, nil
}

// SetSetting stores a setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
