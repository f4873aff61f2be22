package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/quietmind/quietmind/internal/capability"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/internal/storage/sqlite"
	"github.com/quietmind/quietmind/pkg/types"
)

// testFixture bundles an engine over an in-memory SQLite store with fake
// capabilities.
type testFixture struct {
	engine   *Engine
	cipher   *crypto.Cipher
	payloads storage.PayloadStore
	vectors  storage.VectorIndex
}

// newTestEngine builds a fixture. Pass a non-nil vectors to substitute the
// vector index (e.g. a failing one); nil uses the SQLite index.
func newTestEngine(t *testing.T, vectors storage.VectorIndex) *testFixture {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	cipher, err := crypto.NewCipherFromBase64(key)
	if err != nil {
		t.Fatalf("NewCipherFromBase64 failed: %v", err)
	}

	if vectors == nil {
		vectors = store.VectorIndex()
	}

	cfg := DefaultConfig()
	cfg.SimilarityFloor = 0.25

	eng, err := New(cfg, cipher, store.PayloadStore(), vectors, &capability.FakeEmbedder{}, &capability.FakeSentimentAnalyzer{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &testFixture{
		engine:   eng,
		cipher:   cipher,
		payloads: store.PayloadStore(),
		vectors:  vectors,
	}
}

// failingVectorIndex wraps a real index and fails every Upsert.
type failingVectorIndex struct {
	storage.VectorIndex
}

func (f *failingVectorIndex) Upsert(context.Context, string, []float32, storage.RecordMeta) error {
	return errors.New("index write refused")
}

func TestIngestAndSearchRoundTrip(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	rec, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{
		Body: "had a great walk by the river today",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a record id")
	}
	if rec.Sentiment.Label != "positive" {
		t.Errorf("Sentiment.Label: got %q, want positive", rec.Sentiment.Label)
	}

	results, err := fx.engine.Search(ctx, "user-1", "great walk by the river", storage.Filters{}, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "had a great walk by the river today" {
		t.Errorf("Content: got %q", results[0].Content)
	}
	if results[0].ID != rec.ID {
		t.Errorf("ID: got %q, want %q", results[0].ID, rec.ID)
	}
}

func TestIngestRollsBackPayloadOnVectorFailure(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fx := newTestEngine(t, &failingVectorIndex{VectorIndex: store.VectorIndex()})
	ctx := context.Background()

	_, err = fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: "note"})
	if err == nil {
		t.Fatal("expected Ingest to fail")
	}

	// The payload written before the failed vector write must be gone.
	ids, err := fx.payloads.ListIDs(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected payload rollback, found %d payloads", len(ids))
	}
}

func TestIngestRejectsMediaWithoutDerivedText(t *testing.T) {
	fx := newTestEngine(t, nil)

	_, err := fx.engine.Ingest(context.Background(), "user-1", types.RecordVoice, types.RawContent{
		Body: "file-id-123",
	})
	if !errors.Is(err, types.ErrContentUnavailable) {
		t.Errorf("expected ErrContentUnavailable, got %v", err)
	}
}

func TestIngestMediaUsesDerivedText(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := fx.engine.Ingest(ctx, "user-1", types.RecordVoice, types.RawContent{
		Body:    "file-id-123",
		Derived: "remember to renew the passport",
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	results, err := fx.engine.Search(ctx, "user-1", "renew the passport", storage.Filters{}, 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "remember to renew the passport" {
		t.Errorf("Content: got %q", results[0].Content)
	}
	if results[0].SourceRef != "file-id-123" {
		t.Errorf("SourceRef: got %q, want the opaque media reference", results[0].SourceRef)
	}
}

func TestSearchAppliesSimilarityFloor(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	// Token-hash embeddings make records with no shared words (near)
	// orthogonal to the query.
	if _, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: "sunrise hike over the ridge"}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if _, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: "quarterly tax paperwork deadline"}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	results, err := fx.engine.Search(ctx, "user-1", "sunrise hike over the ridge", storage.Filters{}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.Similarity < 0.25 {
			t.Errorf("result %q below the floor with similarity %f", r.Content, r.Similarity)
		}
	}
	if len(results) != 1 {
		t.Errorf("expected the unrelated record to be excluded, got %d results", len(results))
	}
}

func TestSearchEmptyIsNotAnError(t *testing.T) {
	fx := newTestEngine(t, nil)

	results, err := fx.engine.Search(context.Background(), "user-1", "anything", storage.Filters{}, 5)
	if err != nil {
		t.Fatalf("Search over empty store failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestSearchDropsUndecryptablePayloads(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	rec, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: "meeting notes from monday"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Overwrite the payload with an envelope sealed under a different key.
	otherKey, _ := crypto.GenerateKey()
	other, err := crypto.NewCipherFromBase64(otherKey)
	if err != nil {
		t.Fatalf("NewCipherFromBase64 failed: %v", err)
	}
	env, err := other.EncryptString("unreachable")
	if err != nil {
		t.Fatalf("EncryptString failed: %v", err)
	}
	if err := fx.payloads.Put(ctx, rec.ID, "user-1", env); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	results, err := fx.engine.Search(ctx, "user-1", "meeting notes from monday", storage.Filters{}, 5)
	if err != nil {
		t.Fatalf("Search must not fail on a damaged payload: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("damaged payload must be dropped, got %d results", len(results))
	}
}

func TestDeleteRemovesBothStores(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	rec, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: "delete me"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if err := fx.engine.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := fx.payloads.Get(ctx, rec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected payload gone, got %v", err)
	}
	entries, err := fx.vectors.ListEntries(ctx, "user-1", storage.Filters{})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected vector entry gone, found %d", len(entries))
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	bodies := []string{"first note", "second note", "third note"}
	for _, body := range bodies {
		if _, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: body}); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	recent, err := fx.engine.Recent(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 results, got %d", len(recent))
	}
	if recent[0].Content != "third note" || recent[1].Content != "second note" {
		t.Errorf("order: got [%q, %q], want newest first", recent[0].Content, recent[1].Content)
	}
}

func TestExportReturnsAllOldestFirst(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	bodies := []string{"first note", "second note", "third note"}
	for _, body := range bodies {
		if _, err := fx.engine.Ingest(ctx, "user-1", types.RecordText, types.RawContent{Body: body}); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	all, err := fx.engine.Export(ctx, "user-1")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i, body := range bodies {
		if all[i].Content != body {
			t.Errorf("position %d: got %q, want %q", i, all[i].Content, body)
		}
	}
}

func TestIngestValidatesInput(t *testing.T) {
	fx := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := fx.engine.Ingest(ctx, "", types.RecordText, types.RawContent{Body: "x"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty user id: expected ErrInvalidInput, got %v", err)
	}
	if _, err := fx.engine.Ingest(ctx, "user-1", "carrier-pigeon", types.RawContent{Body: "x"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("unknown type: expected ErrInvalidInput, got %v", err)
	}
}
