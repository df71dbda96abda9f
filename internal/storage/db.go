package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

//go:embed schema.sql
var schema string

// tables the repositories expect Migrate to have created
var requiredTables = []string{"users", "sponsorships", "tools_usage", "applied_operations"}

// DB is a PostgreSQL connection pool shared by the repositories.
type DB struct {
	conn *sqlx.DB
}

// DBConfig holds database configuration
type DBConfig struct {
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectTimeout bounds the initial ping
	ConnectTimeout time.Duration
}

// DefaultDBConfig returns pool defaults; URL must still be set
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewDB opens the pool and pings the server
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	conn, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate applies the schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Health fails when the server is unreachable or a table is missing
func (db *DB) Health(ctx context.Context) error {
	for _, table := range requiredTables {
		var exists bool
		if err := db.conn.GetContext(ctx, &exists, `SELECT to_regclass($1) IS NOT NULL`, table); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("table %q is missing; run migrate", table)
		}
	}
	return nil
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// inTx runs fn in a transaction, committing only when fn succeeds
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NewUserRepository creates a user repository; enc may be nil
func (db *DB) NewUserRepository(enc *Encryption) *UserRepository {
	return NewUserRepository(db, enc)
}

func (db *DB) NewSponsorshipRepository() *SponsorshipRepository {
	return NewSponsorshipRepository(db)
}

func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}
