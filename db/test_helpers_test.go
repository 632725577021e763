package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the database named by
// COUNTERSIGN_TEST_DATABASE_URL and applies the schema. Tests that need a
// real database are skipped when the variable is unset.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()

	url := os.Getenv("COUNTERSIGN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("COUNTERSIGN_TEST_DATABASE_URL not set, skipping database integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err, "failed to connect to test database")

	database := &Database{Pool: pool}
	require.NoError(t, database.migrate(ctx), "failed to apply schema")

	t.Cleanup(database.Close)
	return database
}

// createTestDocument inserts a document in pending_approval with a unique title.
func createTestDocument(t *testing.T, database *Database, status DocumentStatus) *Document {
	t.Helper()
	ctx := context.Background()

	title := fmt.Sprintf("%s %d", t.Name(), time.Now().UnixNano())
	doc, err := database.CreateDocument(ctx, title, 1)
	require.NoError(t, err)

	if status != DocumentDraft {
		require.NoError(t, database.TransitionDocument(ctx, doc.ID, DocumentDraft, status))
		doc.Status = status
	}
	return doc
}
