package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"metered_gateway/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Cache for pricing reference rows
	modelCache *ModelCache
}

// DBConfig holds database configuration
type DBConfig struct {
	// Driver is "postgres" (lib/pq) or "pgx" (pgx stdlib)
	Driver string
	URL    string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	ModelCacheSize int
	ModelCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: "postgres",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		ModelCacheSize: 500,
		ModelCacheTTL:  15 * time.Minute,
	}
}

// DBConfigFrom builds the database configuration from loaded settings
func DBConfigFrom(cfg *config.Config) DBConfig {
	return DBConfig{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ModelCacheSize:  cfg.Cache.ModelCacheSize,
		ModelCacheTTL:   cfg.Cache.ModelCacheTTL,
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	switch cfg.Driver {
	case "postgres", "pgx":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	conn, err := sqlx.Connect(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewDBFromConn(conn, cfg.ModelCacheSize, cfg.ModelCacheTTL), nil
}

// NewDBFromConn wraps an existing connection
func NewDBFromConn(conn *sqlx.DB, modelCacheSize int, modelCacheTTL time.Duration) *DB {
	if modelCacheSize <= 0 {
		modelCacheSize = DefaultDBConfig().ModelCacheSize
	}
	if modelCacheTTL <= 0 {
		modelCacheTTL = DefaultDBConfig().ModelCacheTTL
	}
	return &DB{
		conn:       conn,
		modelCache: NewModelCache(modelCacheSize, modelCacheTTL),
	}
}

// Migrate creates the gateway tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.modelCache.Reset()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats holds connection pool and cache statistics
type DBStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`

	ModelCache ModelCacheStats `json:"model_cache"`
}

// GetStats returns current database and cache statistics. Expired model
// cache entries are purged first so the size counts live entries only.
func (db *DB) GetStats() DBStats {
	db.modelCache.Sweep()
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		ModelCache: db.modelCache.Stats(),
	}
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// Repository factory methods

// NewModelRepository creates a new model repository
func (db *DB) NewModelRepository() *ModelRepository {
	return NewModelRepository(db)
}

// NewUsageRepository creates a new usage repository
func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}

// NewClaimRepository creates a new claim ticket repository
func (db *DB) NewClaimRepository() *ClaimRepository {
	return NewClaimRepository(db)
}
