// Package testutil provides a migrated in-memory SQLite store and catalog
// seeding helpers for package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quizsync-backend-go/internal/db"
	"quizsync-backend-go/internal/migrations"
)

func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := migrations.Apply(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// SeedContentSet inserts a content set with questionCount questions named
// "<id>-q1".."<id>-qN".
func SeedContentSet(t testing.TB, database *sqlx.DB, id, title string, paid bool, questionCount int) {
	t.Helper()
	if _, err := database.Exec(database.Rebind(`INSERT INTO content_sets (id, title, is_paid, price) VALUES (?, ?, ?, ?)`),
		id, title, paid, priceFor(paid)); err != nil {
		t.Fatalf("seed content set %s: %v", id, err)
	}
	for i := 1; i <= questionCount; i++ {
		if _, err := database.Exec(database.Rebind(`INSERT INTO questions (id, content_set_id, position) VALUES (?, ?, ?)`),
			QuestionID(id, i), id, i); err != nil {
			t.Fatalf("seed question %d of %s: %v", i, id, err)
		}
	}
}

func QuestionID(contentSetID string, n int) string {
	return fmt.Sprintf("%s-q%d", contentSetID, n)
}

func priceFor(paid bool) float64 {
	if paid {
		return 9.99
	}
	return 0
}
