package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Config holds the connection pool settings for a SQL backend.
type Config struct {
	// Driver is "mysql" or "sqlite3"
	Driver string `yaml:"driver"`

	// DSN is the data source name
	// MySQL: "user:password@tcp(host:port)/dbname?parseTime=true&loc=Local"
	// SQLite: "file:/var/lib/egressfleet/fleet.db?_busy_timeout=5000&_journal_mode=WAL"
	DSN string `yaml:"dsn"`

	// MaxOpenConnections is the maximum number of open connections to the database
	// Default: 25 (1 for sqlite3)
	MaxOpenConnections int `yaml:"maxOpenConnections"`

	// MaxIdleConnections is the maximum number of connections in the idle connection pool
	// Default: 5
	MaxIdleConnections int `yaml:"maxIdleConnections"`

	// ConnMaxLifetime is the maximum amount of time a connection may be reused
	// Default: 5 minutes
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle
	// Default: 10 minutes
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// DefaultConfig returns the default pool configuration for driver.
func DefaultConfig(driver string) Config {
	cfg := Config{
		Driver:             driver,
		MaxOpenConnections: 25,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    5 * time.Minute,
		ConnMaxIdleTime:    10 * time.Minute,
	}
	if driver == DriverSQLite {
		cfg.MaxOpenConnections = 1
		cfg.MaxIdleConnections = 1
	}
	return cfg
}

// Open creates a go-zero SqlConn, applies the pool settings and verifies the
// connection.
func Open(cfg Config) (sqlx.SqlConn, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	defaults := DefaultConfig(cfg.Driver)
	if cfg.MaxOpenConnections == 0 {
		cfg.MaxOpenConnections = defaults.MaxOpenConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}

	var conn sqlx.SqlConn
	switch cfg.Driver {
	case DriverMySQL:
		conn = sqlx.NewMysql(cfg.DSN)
	case DriverSQLite:
		conn = sqlx.NewSqlConn(DriverSQLite, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	raw, err := conn.RawDB()
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConnections)
	raw.SetMaxIdleConns(cfg.MaxIdleConnections)
	raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	raw.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// Close releases the pool behind conn.
func Close(conn sqlx.SqlConn) error {
	if conn == nil {
		return nil
	}
	raw, err := conn.RawDB()
	if err != nil {
		return err
	}
	return raw.Close()
}
