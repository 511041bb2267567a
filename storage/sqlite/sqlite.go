// Package sqlite provides a durable SQLite backend for tenants, client
// credentials and outbound integration connections.
//
// Secrets are encrypted at rest with security.Encryptor when a key is
// configured: the credential blob ({"apiKey": ...}) and connection tokens.
// Credentials are located by a SHA-256 fingerprint of the API key so that a
// bearer token can be mapped back to its tenant without scanning.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Options configures a Store.
type Options struct {
	// Encryptor seals credential blobs and connection tokens. Nil or disabled
	// stores them in plaintext.
	Encryptor *security.Encryptor

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store implements TenantStore, CredentialStore and ConnectionStore on SQLite.
type Store struct {
	db        *sql.DB
	encryptor *security.Encryptor
	logger    *slog.Logger
}

var (
	_ storage.TenantStore     = (*Store)(nil)
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ConnectionStore = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies pending migrations.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection: in-memory databases are per-connection and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Encryptor.IsEnabled() {
		logger.Info("Credential encryption at rest enabled for SQLite storage")
	} else {
		logger.Warn("SECURITY WARNING: SQLite storage has no encryption key, secrets are stored in plaintext")
	}

	return &Store{
		db:        db,
		encryptor: opts.Encryptor,
		logger:    logger,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

func isForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}
