package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the team/subscription store connection. The metering engine only
// reads plan metadata and member counts from it; usage itself lives in the
// coordination store.
type DB struct {
	conn *sqlx.DB

	planCache *LRUCache
}

// DBConfig holds database configuration
type DBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	PlanCacheSize int
	PlanCacheTTL  time.Duration
}

// NewDB connects to the team/subscription store.
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	cacheSize := cfg.PlanCacheSize
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cacheTTL := cfg.PlanCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &DB{
		conn:      conn,
		planCache: NewLRUCache(cacheSize, cacheTTL),
	}, nil
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}
