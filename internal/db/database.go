// Package db persists portsweep scan results in PostgreSQL.
// It owns connection setup, embedded schema migrations and the scan
// repository used by the API server and the CLI --store flag.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
)

// sanitizeDBError converts raw driver errors into errors that are safe to
// return to API clients. The original error is kept as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found").WithOperation(operation)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		dbErr := errors.WrapDatabaseError(errors.CodeDatabaseTimeout, "Database operation timed out", err)
		return dbErr.WithOperation(operation)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
		case "23502", "23514": // not_null_violation, check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "57P01", "08000", "08003", "08006":
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery,
				fmt.Sprintf("Database operation failed: %s", operation))
		}
		dbErr.Cause = err
		return dbErr.WithOperation(operation)
	}

	dbErr := errors.WrapDatabaseError(errors.CodeDatabaseQuery,
		fmt.Sprintf("Database operation failed: %s", operation), err)
	return dbErr.WithOperation(operation)
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Storage is off until a database name and credentials are configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// Validate checks the fields needed to open a connection.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.ErrConfigMissing("database.host")
	case c.Port <= 0 || c.Port > 65535:
		return errors.ErrConfigInvalid("database.port", c.Port)
	case c.Database == "":
		return errors.ErrConfigMissing("database.database")
	case c.Username == "":
		return errors.ErrConfigMissing("database.username")
	case c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0:
		return errors.ErrConfigInvalid("database.max_idle_conns", c.MaxIdleConns)
	}
	return nil
}

// DSN renders the key=value connection string understood by lib/pq.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, quoteDSNValue(c.Password), c.SSLMode,
	)
}

func quoteDSNValue(v string) string {
	if v == "" {
		return "''"
	}
	out := make([]byte, 0, len(v)+2)
	out = append(out, '\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(append(out, '\''))
}

// Connect opens and verifies a PostgreSQL connection.
// Returned errors never include the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Warn("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	logging.InfoComponent("db", "Connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// NewFromSQL wraps an existing *sql.DB, as used with sqlmock in tests.
func NewFromSQL(conn *sql.DB) *DB {
	return &DB{DB: sqlx.NewDb(conn, "postgres")}
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return sanitizeDBError("ping", db.PingContext(ctx))
}

// Close closes the underlying pool.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}
