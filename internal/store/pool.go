package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PoolConfig controls the underlying *sql.DB connection pool. Mirrors the
// collector's secure-pool defaults: bounded connections and forced
// periodic reconnection rather than unbounded, long-lived sessions against
// monitored instances.
type PoolConfig struct {
	MaxOpenConnections int           `mapstructure:"max_open_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `mapstructure:"conn_max_idle_time"`
}

// DefaultPoolConfig returns pool settings sized for a single monitoring
// daemon talking to one control-plane Postgres database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConnections: 25,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    5 * time.Minute,
		ConnMaxIdleTime:    5 * time.Minute,
	}
}

// Validate rejects pool settings that would either starve the daemon or
// risk exhausting the target database's connection limit.
func (c PoolConfig) Validate() error {
	if c.MaxOpenConnections <= 0 {
		return fmt.Errorf("max_open_connections must be positive")
	}
	if c.MaxIdleConnections < 0 {
		return fmt.Errorf("max_idle_connections cannot be negative")
	}
	if c.MaxIdleConnections > c.MaxOpenConnections {
		return fmt.Errorf("max_idle_connections (%d) cannot exceed max_open_connections (%d)", c.MaxIdleConnections, c.MaxOpenConnections)
	}
	if c.ConnMaxLifetime <= 0 {
		return fmt.Errorf("conn_max_lifetime must be positive")
	}
	if c.ConnMaxIdleTime <= 0 {
		return fmt.Errorf("conn_max_idle_time must be positive")
	}
	return nil
}

func configurePool(db *sql.DB, cfg PoolConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// Open opens a lib/pq connection to the control-plane database, applies
// the pool configuration, and verifies connectivity before returning.
// Failure here is the "fatal initialization" case from the error taxonomy:
// callers are expected to log and exit rather than retry indefinitely.
func Open(dataSourceName string, cfg PoolConfig, logger *zap.Logger) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	configurePool(db, cfg)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if logger != nil {
		logger.Info("metrics store connected",
			zap.Int("max_open_connections", cfg.MaxOpenConnections),
			zap.Int("max_idle_connections", cfg.MaxIdleConnections),
			zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime))
	}

	return db, nil
}
