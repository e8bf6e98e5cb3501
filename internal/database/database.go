// Package database persists detection results and circuit breaker
// transitions to SQLite or PostgreSQL for later audit.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Config represents database configuration.
type Config struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Driver             string        `mapstructure:"driver" yaml:"driver" json:"driver"`
	DSN                string        `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	MaxOpenConns       int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

// DB wraps a database/sql handle with driver-aware placeholders and
// slow query logging.
type DB struct {
	logger    *zap.Logger
	db        *sql.DB
	driver    string
	slowQuery time.Duration
}

// New opens the database, verifies connectivity and creates the schema.
func New(logger *zap.Logger, config Config) (*DB, error) {
	driver := config.Driver
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// In-memory SQLite databases are per connection.
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{
		logger:    logger,
		db:        db,
		driver:    driver,
		slowQuery: config.SlowQueryThreshold,
	}
	if d.slowQuery <= 0 {
		d.slowQuery = 100 * time.Millisecond
	}

	if err := d.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", driver))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.New("database not initialized")
	}
	return d.db.PingContext(ctx)
}

// Driver returns the normalized driver name.
func (d *DB) Driver() string { return d.driver }

// rebind converts ? placeholders to $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) logSlow(query string, start time.Time) {
	if elapsed := time.Since(start); elapsed > d.slowQuery {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", elapsed),
		)
	}
}

// Execute executes a query without returning results.
func (d *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = d.rebind(query)
	defer d.logSlow(query, time.Now())
	return d.db.ExecContext(ctx, query, args...)
}

// Query executes a query and returns rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = d.rebind(query)
	defer d.logSlow(query, time.Now())
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query and returns a single row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

// Begin starts a new transaction.
func (d *DB) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx, db: d}, nil
}

// Transaction represents a database transaction.
type Transaction struct {
	tx *sql.Tx
	db *DB
}

// Commit commits the transaction.
func (t *Transaction) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Transaction) Rollback() error {
	return t.tx.Rollback()
}

// Execute executes a query within the transaction.
func (t *Transaction) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	query = t.db.rebind(query)
	defer t.db.logSlow(query, time.Now())
	return t.tx.ExecContext(ctx, query, args...)
}
