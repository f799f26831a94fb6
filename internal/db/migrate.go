package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is a row of schema_migrations.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus reports whether an embedded migration has been applied.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	Checksum  string
	// Drifted is set when the applied checksum differs from the embedded file.
	Drifted bool
}

// Migrator applies the embedded schema migrations.
type Migrator struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db, logger: logging.Default().WithComponent("migrate")}
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return migrationError("failed to create migrations table", err)
	}
	return nil
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`
	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, migrationError("failed to get applied migrations", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

func migrationFileNames() ([]string, error) {
	var files []string
	err := fs.WalkDir(migrationFiles, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, migrationError("failed to read migration files", err)
	}
	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(filepath.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func migrationError(msg string, err error) error {
	return errors.WrapDatabaseError(errors.CodeDatabaseMigration, msg, err)
}

func (m *Migrator) executeMigration(ctx context.Context, file string) error {
	content, err := migrationFiles.ReadFile(file)
	if err != nil {
		return migrationError(fmt.Sprintf("failed to read migration file %s", file), err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return migrationError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return migrationError(fmt.Sprintf("failed to execute migration %s", file), err)
	}

	insert := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insert, migrationName(file), checksum(content)); err != nil {
		return migrationError(fmt.Sprintf("failed to record migration %s", file), err)
	}

	if err := tx.Commit(); err != nil {
		return migrationError(fmt.Sprintf("failed to commit migration %s", file), err)
	}
	return nil
}

// Up runs all pending migrations and returns the names it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := migrationFileNames()
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, file := range files {
		name := migrationName(file)
		if _, ok := applied[name]; ok {
			m.logger.Debug("Migration already applied", "migration", name)
			continue
		}

		m.logger.Info("Applying migration", "migration", name)
		if err := m.executeMigration(ctx, file); err != nil {
			return ran, err
		}
		ran = append(ran, name)
	}
	return ran, nil
}

// Status lists every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := migrationFileNames()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		content, err := migrationFiles.ReadFile(file)
		if err != nil {
			return nil, migrationError("failed to read migration file", err)
		}
		status := MigrationStatus{Name: migrationName(file), Checksum: checksum(content)}
		if row, ok := applied[status.Name]; ok {
			status.Applied = true
			status.AppliedAt = row.AppliedAt
			status.Drifted = row.Checksum != status.Checksum
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Reset drops the portsweep tables and re-runs every migration.
func (m *Migrator) Reset(ctx context.Context) error {
	m.logger.Warn("Dropping all portsweep tables")

	dropQueries := []string{
		"DROP TABLE IF EXISTS scan_open_ports CASCADE",
		"DROP TABLE IF EXISTS scans CASCADE",
		"DROP TABLE IF EXISTS schema_migrations CASCADE",
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return migrationError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range dropQueries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return migrationError("failed to execute drop query", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return migrationError("failed to commit reset", err)
	}

	_, err = m.Up(ctx)
	return err
}

// ConnectAndMigrate connects to the database and applies pending migrations.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	db, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := NewMigrator(db.DB).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
