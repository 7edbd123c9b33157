// Package storage owns the broker's persistent state: server configs, the
// tool catalog with its vector index, and per-session retrieval history.
// Everything lives in one SQLite file; all multi-row writes run inside a
// transaction.
package storage

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides the persistence surface over a single SQLite database.
type Store struct {
	db     *sql.DB
	dim    int
	logger *zap.Logger
}

// Open opens (or creates) the database at path, runs pending migrations and
// returns a ready store. dim is the vector index dimension; vectors written
// through the store must match it.
func Open(path string, dim int, logger *zap.Logger) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite allows a single writer; serializing through one connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("storage initialized",
		zap.String("path", path),
		zap.Int("vector_dimension", dim))

	return &Store{db: db, dim: dim, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName("schema_migrations")
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Dimension returns the configured vector index dimension.
func (s *Store) Dimension() int {
	return s.dim
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
