package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
)

// OpenTestSQLite returns a migrated in-memory SQLite database private to t.
func OpenTestSQLite(t testing.TB) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name)

	ctx := context.Background()
	h, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	if err := Migrate(ctx, h, DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return h
}
