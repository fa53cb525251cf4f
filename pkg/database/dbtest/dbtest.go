// Package dbtest provides throwaway in-memory databases for tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"example.com/memorix/pkg/database"

	"gorm.io/gorm"
)

// Open returns an isolated in-memory SQLite database migrated with models.
// It is closed via t.Cleanup.
func Open(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name),
		// a single connection keeps the shared in-memory database alive and
		// serializes writers
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("dbtest: open: %v", err)
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("dbtest: migrate: %v", err)
		}
	}

	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}
