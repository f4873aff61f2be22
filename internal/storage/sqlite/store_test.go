package sqlite

import (
	"testing"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. Open applies
// the full Schema, so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testMeta builds RecordMeta with the given creation time.
func testMeta(userID string, createdAt time.Time) storage.RecordMeta {
	return storage.RecordMeta{
		UserID:         userID,
		Type:           types.RecordText,
		CreatedAt:      createdAt,
		SentimentLabel: "neutral",
		SentimentScore: 0,
		IndexedAt:      createdAt,
	}
}
