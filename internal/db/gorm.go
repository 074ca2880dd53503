package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultSQLitePath = "research.db"
)

// Open connects to the session database. An empty driver means sqlite, and an
// empty sqlite DSN falls back to a file in the working directory.
func Open(driver, dsn string) (*gorm.DB, error) {
	driver = NormalizeDriver(driver)
	dsn = strings.TrimSpace(dsn)

	cfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err := gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under
		// concurrent session updates.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return gormDB, nil
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		gormDB, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return gormDB, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func NormalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "", "sqlite3":
		return DriverSQLite
	case "postgresql", "pg":
		return DriverPostgres
	default:
		return driver
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

// sqliteFilePath extracts the on-disk path from a sqlite DSN. In-memory
// databases report false.
func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(raw), true
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return stripQuery(raw), true
	}
	if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
		return "", false
	}
	switch {
	case parsed.Path != "":
		return parsed.Path, true
	case parsed.Opaque != "":
		return stripQuery(strings.TrimPrefix(raw, "file:")), true
	default:
		return "", false
	}
}

func stripQuery(v string) string {
	if i := strings.IndexByte(v, '?'); i >= 0 {
		return v[:i]
	}
	return v
}
