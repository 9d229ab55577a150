package sqlite

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IsSQLiteDSN reports whether dsn points at a sqlite database rather than postgres.
func IsSQLiteDSN(dsn string) bool {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == ":memory:":
		return true
	case strings.HasPrefix(trimmed, "file:"), strings.HasPrefix(trimmed, "sqlite://"):
		return true
	}

	path := trimmed
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	return strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") || strings.HasSuffix(path, ".sqlite3")
}

// NewSQLite opens a single-writer sqlite database with foreign keys and WAL enabled.
func NewSQLite(dsn string) (*gorm.DB, error) {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// sqlite serializes writers; a single connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

func withPragmas(path string) string {
	if path == ":memory:" {
		return path
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
