package sqlite

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

func TestVectorQueryRanksBySimilarity(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Three orthogonal-ish vectors; the query is closest to "exact", then
	// "near", then "far".
	_ = vectors.Upsert(ctx, "exact", []float32{1, 0, 0}, testMeta("user-1", base))
	_ = vectors.Upsert(ctx, "near", []float32{1, 1, 0}, testMeta("user-1", base.Add(time.Minute)))
	_ = vectors.Upsert(ctx, "far", []float32{0, 0, 1}, testMeta("user-1", base.Add(2*time.Minute)))

	matches, err := vectors.Query(ctx, "user-1", []float32{1, 0, 0}, storage.Filters{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}

	wantOrder := []string{"exact", "near", "far"}
	for i, want := range wantOrder {
		if matches[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, matches[i].ID, want)
		}
	}

	if math.Abs(matches[0].Similarity-1.0) > 1e-6 {
		t.Errorf("exact match similarity: got %f, want 1.0", matches[0].Similarity)
	}
}

func TestVectorQueryTieBreaksByCreatedAt(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Identical vectors -> identical similarity; the older record must rank
	// first.
	_ = vectors.Upsert(ctx, "newer", []float32{1, 0}, testMeta("user-1", base.Add(time.Hour)))
	_ = vectors.Upsert(ctx, "older", []float32{1, 0}, testMeta("user-1", base))

	matches, err := vectors.Query(ctx, "user-1", []float32{1, 0}, storage.Filters{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "older" || matches[1].ID != "newer" {
		t.Errorf("tie-break order: got [%s, %s], want [older, newer]", matches[0].ID, matches[1].ID)
	}
}

func TestVectorQueryTruncatesToTopK(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		_ = vectors.Upsert(ctx, id, []float32{1, float32(i) * 0.1}, testMeta("user-1", base.Add(time.Duration(i)*time.Minute)))
	}

	matches, err := vectors.Query(ctx, "user-1", []float32{1, 0}, storage.Filters{}, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected topK=2 matches, got %d", len(matches))
	}
}

func TestVectorQueryScopedToUser(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_ = vectors.Upsert(ctx, "mine", []float32{1, 0}, testMeta("user-1", base))
	_ = vectors.Upsert(ctx, "theirs", []float32{1, 0}, testMeta("user-2", base))

	matches, err := vectors.Query(ctx, "user-1", []float32{1, 0}, storage.Filters{}, 10)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "mine" {
		t.Errorf("expected only user-1's record, got %v", matches)
	}
}

func TestVectorQueryTypeAndTimeFilters(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	textMeta := testMeta("user-1", base)
	voiceMeta := testMeta("user-1", base.Add(time.Hour))
	voiceMeta.Type = types.RecordVoice
	lateMeta := testMeta("user-1", base.Add(48*time.Hour))

	_ = vectors.Upsert(ctx, "text", []float32{1, 0}, textMeta)
	_ = vectors.Upsert(ctx, "voice", []float32{1, 0}, voiceMeta)
	_ = vectors.Upsert(ctx, "late", []float32{1, 0}, lateMeta)

	matches, err := vectors.Query(ctx, "user-1", []float32{1, 0}, storage.Filters{
		Types: []types.RecordType{types.RecordVoice},
	}, 10)
	if err != nil {
		t.Fatalf("Query with type filter failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "voice" {
		t.Errorf("type filter: got %v, want only voice", matches)
	}

	matches, err = vectors.Query(ctx, "user-1", []float32{1, 0}, storage.Filters{
		CreatedAfter:  base.Add(-time.Minute),
		CreatedBefore: base.Add(24 * time.Hour),
	}, 10)
	if err != nil {
		t.Fatalf("Query with time filter failed: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("time filter: got %d matches, want 2", len(matches))
	}
	for _, m := range matches {
		if m.ID == "late" {
			t.Error("time filter should exclude the late record")
		}
	}
}

func TestVectorUpsertReplacesEmbedding(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_ = vectors.Upsert(ctx, "rec", []float32{1, 0}, testMeta("user-1", base))
	_ = vectors.Upsert(ctx, "rec", []float32{0, 1}, testMeta("user-1", base))

	matches, err := vectors.Query(ctx, "user-1", []float32{0, 1}, storage.Filters{}, 1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if math.Abs(matches[0].Similarity-1.0) > 1e-6 {
		t.Errorf("updated embedding should match the new direction, similarity %f", matches[0].Similarity)
	}
}

func TestVectorListEntriesAscendingByCreatedAt(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_ = vectors.Upsert(ctx, "second", []float32{1}, testMeta("user-1", base.Add(time.Hour)))
	_ = vectors.Upsert(ctx, "first", []float32{1}, testMeta("user-1", base))

	entries, err := vectors.ListEntries(ctx, "user-1", storage.Filters{})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "first" || entries[1].ID != "second" {
		t.Errorf("order: got [%s, %s], want [first, second]", entries[0].ID, entries[1].ID)
	}
}

func TestVectorDeleteAndUsers(t *testing.T) {
	store := newTestStore(t)
	vectors := store.VectorIndex()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_ = vectors.Upsert(ctx, "a", []float32{1}, testMeta("user-1", base))
	_ = vectors.Upsert(ctx, "b", []float32{1}, testMeta("user-2", base))

	users, err := vectors.Users(ctx)
	if err != nil {
		t.Fatalf("Users failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %v", users)
	}

	if err := vectors.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := vectors.Delete(ctx, "a"); err != nil {
		t.Errorf("repeat Delete should be a no-op, got %v", err)
	}

	entries, err := vectors.ListEntries(ctx, "user-1", storage.Filters{})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries after delete, got %d", len(entries))
	}
}

func TestEmbeddingSerializationRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.25, 0}
	out, err := deserializeEmbedding(serializeEmbedding(in), len(in))
	if err != nil {
		t.Fatalf("deserializeEmbedding failed: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: got %f, want %f", i, out[i], in[i])
		}
	}

	if _, err := deserializeEmbedding([]byte{1, 2, 3}, 4); err == nil {
		t.Error("expected error for truncated blob")
	}
}
