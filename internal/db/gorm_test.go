package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state", "research.db")

	gormDB, err := Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected sqlite pool capped at 1, got %d", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := Open("postgres", "  "); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestNormalizeDriver(t *testing.T) {
	cases := map[string]string{
		"":           DriverSQLite,
		"SQLite3":    DriverSQLite,
		" postgres ": DriverPostgres,
		"pg":         DriverPostgres,
		"mysql":      "mysql",
	}
	for in, want := range cases {
		if got := NormalizeDriver(in); got != want {
			t.Fatalf("NormalizeDriver(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSQLiteFilePath(t *testing.T) {
	cases := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{dsn: ":memory:", onDisk: false},
		{dsn: "file::memory:?cache=shared", onDisk: false},
		{dsn: "file:test.db?mode=memory", onDisk: false},
		{dsn: "data/research.db?_pragma=busy_timeout(5000)", path: "data/research.db", onDisk: true},
		{dsn: "file:/var/lib/heavy/research.db?cache=shared", path: "/var/lib/heavy/research.db", onDisk: true},
	}
	for _, tc := range cases {
		path, ok := sqliteFilePath(tc.dsn)
		if ok != tc.onDisk || path != tc.path {
			t.Fatalf("sqliteFilePath(%q) = (%q, %v), want (%q, %v)", tc.dsn, path, ok, tc.path, tc.onDisk)
		}
	}
}
