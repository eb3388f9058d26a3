package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database named by dsn. DSNs starting with "file:" or
// ending in ".db" open SQLite; everything else is treated as PostgreSQL.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	if isSQLiteDSN(trimmed) {
		conn, errOpen := gorm.Open(sqlite.Open(trimmed), cfg)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
		}
		sqlDB, errDB := conn.DB()
		if errDB != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", errDB)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under the worker pool.
		sqlDB.SetMaxOpenConns(1)
		if errPragma := conn.Exec("PRAGMA busy_timeout = 5000").Error; errPragma != nil {
			return nil, fmt.Errorf("db: sqlite busy timeout: %w", errPragma)
		}
		return conn, nil
	}

	conn, errOpen := gorm.Open(postgres.Open(trimmed), cfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open postgres: %w", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: postgres handle: %w", errDB)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return conn, nil
}

func isSQLiteDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "file:") || strings.HasSuffix(lower, ".db") || lower == ":memory:"
}
