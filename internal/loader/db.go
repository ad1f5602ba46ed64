package loader

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nbowen/patload/internal/config"
)

// Open connects to the destination database. The URL is opaque to the
// rest of the pipeline; the scheme picks the driver. Transient connect
// failures are retried with backoff since a busy database refusing
// connections must not kill a multi-day run at startup.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var db *gorm.DB

	operation := func() error {
		var err error
		db, err = open(cfg)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

func open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	u, parseErr := url.Parse(cfg.URL)
	scheme := ""
	if parseErr == nil {
		scheme = u.Scheme
	}

	switch scheme {
	case "postgres", "postgresql":
		// PreferSimpleProtocol keeps the loader compatible with
		// transaction poolers that reject prepared statements.
		db, err := gorm.Open(postgres.New(postgres.Config{
			DSN:                  cfg.URL,
			PreferSimpleProtocol: true,
		}), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		return db, nil
	case "sqlite", "sqlite3", "file", "":
		path := cfg.URL
		path = strings.TrimPrefix(path, "sqlite://")
		path = strings.TrimPrefix(path, "sqlite3://")
		path = strings.TrimPrefix(path, "file://")
		db, err := gorm.Open(sqlite.Open(path), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
		}
		// WAL lets loads proceed while completion checks read.
		db.Exec("PRAGMA journal_mode=WAL")
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}
