package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store owns the SQLite database holding ingested messages
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// Open opens (or creates) the message database at dbPath, migrates any
// legacy layout, and ensures the current schema exists
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Pragmas go through the DSN so every pooled connection gets them:
	// WAL keeps the push endpoint's reads from blocking the ingestion
	// writer, and the busy timeout makes contending writers queue on the
	// write lock instead of failing with SQLITE_BUSY
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// A legacy layout must be rebuilt before the schema statements run,
	// and a failed rebuild aborts startup rather than serving ambiguous data
	if err := s.migrateLegacy(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate legacy layout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Message store initialized")
	return s, nil
}

// initSchema ensures the current database schema exists
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
