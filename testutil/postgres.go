package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chzzk-bot/db"
)

// SetupTestDB opens TEST_PG_DSN and brings the schema up to date.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Setup(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
