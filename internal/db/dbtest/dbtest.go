// Package dbtest поднимает изолированную in-memory sqlite БД с той же схемой, что и в проде.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"ftw-vpn-bot/internal/db"
)

func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	g, err := db.Open(sqlite.Open(dsn), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// одно соединение: sqlite не любит параллельных писателей
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(g); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return g
}
