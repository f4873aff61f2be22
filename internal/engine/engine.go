// Package engine orchestrates the memory pipeline: ingestion across the
// encrypted payload store and the vector index, similarity retrieval, mood
// aggregation, and the reconciliation pass that repairs inconsistency between
// the two stores.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quietmind/quietmind/internal/capability"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// Config holds tunables for the engine.
type Config struct {
	// MaxWorkers bounds concurrent embedding and decryption work.
	MaxWorkers int

	// SimilarityFloor excludes near-zero matches from search results even
	// when top_k is not reached.
	SimilarityFloor float64
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		SimilarityFloor: 0.25,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.SimilarityFloor < 0 || c.SimilarityFloor >= 1 {
		return fmt.Errorf("similarity floor must be in [0, 1), got %f", c.SimilarityFloor)
	}
	return nil
}

// SearchResult is one decrypted retrieval hit.
type SearchResult struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Type       types.RecordType `json:"type"`
	CreatedAt  time.Time        `json:"created_at"`
	Sentiment  types.Sentiment  `json:"sentiment"`
	Content    string           `json:"content"`
	SourceRef  string           `json:"source_ref,omitempty"`
	Similarity float64          `json:"similarity"`
}

// payloadDoc is the JSON document sealed into each payload envelope: the
// plaintext content plus any free-text source reference (file id, URL) that
// came with a media message. Nothing here exists unencrypted at rest.
type payloadDoc struct {
	Content   string `json:"content"`
	SourceRef string `json:"source_ref,omitempty"`
}

// Engine is the core orchestrator for memory storage and retrieval.
// All operations are safe for concurrent use; the worker semaphore bounds
// concurrency against the external capabilities and the cipher.
type Engine struct {
	config Config

	cipher   *crypto.Cipher
	payloads storage.PayloadStore
	vectors  storage.VectorIndex

	embedder  capability.Embedder
	sentiment capability.SentimentAnalyzer

	workers chan struct{}
}

// New creates an engine over the given stores and capabilities.
func New(cfg Config, cipher *crypto.Cipher, payloads storage.PayloadStore, vectors storage.VectorIndex, embedder capability.Embedder, sentiment capability.SentimentAnalyzer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if cipher == nil {
		return nil, fmt.Errorf("engine: cipher is required")
	}
	if payloads == nil || vectors == nil {
		return nil, fmt.Errorf("engine: payload store and vector index are required")
	}
	if embedder == nil || sentiment == nil {
		return nil, fmt.Errorf("engine: embedder and sentiment analyzer are required")
	}

	return &Engine{
		config:    cfg,
		cipher:    cipher,
		payloads:  payloads,
		vectors:   vectors,
		embedder:  embedder,
		sentiment: sentiment,
		workers:   make(chan struct{}, cfg.MaxWorkers),
	}, nil
}

// acquire takes a worker slot, or fails when the context is cancelled first.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a worker slot.
func (e *Engine) release() {
	<-e.workers
}

// Ingest turns a raw message into a durably stored, encrypted, vector-indexed
// record.
//
// Write ordering: the payload store is written before the vector index, so a
// half-finished ingestion can only leave a payload without a vector entry —
// invisible to similarity search and safe to retry. If the vector write fails
// the payload entry is rolled back before the error is surfaced; a payload
// orphan left by a crash between rollback steps is harmless and cleaned up
// lazily. A vector entry without a payload must never be produced here; the
// reconciler removes any that appear (e.g. from a crashed delete).
func (e *Engine) Ingest(ctx context.Context, userID string, recordType types.RecordType, raw types.RawContent) (*types.MemoryRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: %w: user id is required", storage.ErrInvalidInput)
	}
	if !types.IsValidRecordType(recordType) {
		return nil, fmt.Errorf("engine: %w: unknown record type %q", storage.ErrInvalidInput, recordType)
	}

	plaintext, err := recordType.DerivePlaintext(raw)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	embedding, err := e.embedder.Embed(ctx, plaintext)
	e.release()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	sentiment, err := e.sentiment.Classify(ctx, plaintext)
	e.release()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	record := &types.MemoryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      recordType,
		CreatedAt: time.Now().UTC(),
		Embedding: embedding,
		Sentiment: sentiment,
	}

	doc := payloadDoc{Content: plaintext}
	if recordType != types.RecordText {
		doc.SourceRef = raw.Body
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to marshal payload: %w", err)
	}

	env, err := e.cipher.Encrypt(docJSON)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	// Payload first, vector second (see ordering note above).
	if err := e.payloads.Put(ctx, record.ID, userID, env); err != nil {
		return nil, fmt.Errorf("engine: payload write failed: %w", err)
	}

	meta := storage.RecordMeta{
		UserID:         userID,
		Type:           recordType,
		CreatedAt:      record.CreatedAt,
		SentimentLabel: sentiment.Label,
		SentimentScore: sentiment.Score,
		IndexedAt:      time.Now().UTC(),
	}

	if err := e.vectors.Upsert(ctx, record.ID, embedding, meta); err != nil {
		// Roll back the payload so no partial record is observable. The
		// rollback itself can fail (e.g. the process dies here); the
		// resulting payload orphan is invisible to search and harmless.
		if delErr := e.payloads.Delete(context.WithoutCancel(ctx), record.ID); delErr != nil {
			log.Printf("engine: payload rollback for %s failed: %v", record.ID, delErr)
		}
		return nil, fmt.Errorf("engine: vector index write failed: %w", err)
	}

	return record, nil
}

// Search embeds the query text and returns decrypted results ordered by
// descending similarity, ties broken by ascending created_at. Matches whose
// payload fails to decrypt are dropped and logged, never surfaced and never
// treated as not-found. An empty result is valid.
func (e *Engine) Search(ctx context.Context, userID, queryText string, f storage.Filters, topK int) ([]SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: %w: user id is required", storage.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = 10
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	queryVec, err := e.embedder.Embed(ctx, queryText)
	e.release()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	matches, err := e.vectors.Query(ctx, userID, queryVec, f, topK)
	if err != nil {
		return nil, fmt.Errorf("engine: vector query failed: %w", err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < e.config.SimilarityFloor {
			continue
		}

		res, err := e.decryptMatch(ctx, m.ID, m.Meta)
		if err != nil {
			// Damaged or missing payloads are excluded from results and
			// left for the reconciler; the query itself still succeeds.
			log.Printf("engine: dropping result %s from search: %v", m.ID, err)
			continue
		}
		res.Similarity = m.Similarity
		results = append(results, res)
	}

	return results, nil
}

// Recent returns up to limit of the user's newest records, decrypted,
// ordered newest first.
func (e *Engine) Recent(ctx context.Context, userID string, limit int) ([]SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: %w: user id is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	entries, err := e.vectors.ListEntries(ctx, userID, storage.Filters{})
	if err != nil {
		return nil, fmt.Errorf("engine: vector list failed: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Meta.CreatedAt.After(entries[j].Meta.CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return e.decryptEntries(ctx, entries), nil
}

// Export decrypts and returns every record the user owns, oldest first.
// Intended for backup export.
func (e *Engine) Export(ctx context.Context, userID string) ([]SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: %w: user id is required", storage.ErrInvalidInput)
	}

	entries, err := e.vectors.ListEntries(ctx, userID, storage.Filters{})
	if err != nil {
		return nil, fmt.Errorf("engine: vector list failed: %w", err)
	}

	return e.decryptEntries(ctx, entries), nil
}

// Delete removes a record from both stores. The vector entry goes first so a
// crash in between leaves a payload-only orphan, which search cannot surface.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("engine: %w: record id is required", storage.ErrInvalidInput)
	}

	if err := e.vectors.Delete(ctx, id); err != nil {
		return fmt.Errorf("engine: vector delete failed: %w", err)
	}
	if err := e.payloads.Delete(ctx, id); err != nil {
		return fmt.Errorf("engine: payload delete failed: %w", err)
	}
	return nil
}

// decryptEntries decrypts a batch of index entries, dropping and logging
// failures, preserving input order.
func (e *Engine) decryptEntries(ctx context.Context, entries []storage.IndexEntry) []SearchResult {
	results := make([]SearchResult, 0, len(entries))
	for _, entry := range entries {
		res, err := e.decryptMatch(ctx, entry.ID, entry.Meta)
		if err != nil {
			log.Printf("engine: dropping record %s from listing: %v", entry.ID, err)
			continue
		}
		results = append(results, res)
	}
	return results
}

// decryptMatch fetches and opens the payload for one index entry.
func (e *Engine) decryptMatch(ctx context.Context, id string, meta storage.RecordMeta) (SearchResult, error) {
	env, err := e.payloads.Get(ctx, id)
	if err != nil {
		return SearchResult{}, fmt.Errorf("payload fetch: %w", err)
	}

	if err := e.acquire(ctx); err != nil {
		return SearchResult{}, err
	}
	docJSON, err := e.cipher.Decrypt(env)
	e.release()
	if err != nil {
		return SearchResult{}, err
	}

	var doc payloadDoc
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return SearchResult{}, fmt.Errorf("payload parse: %w", err)
	}

	return SearchResult{
		ID:        id,
		UserID:    meta.UserID,
		Type:      meta.Type,
		CreatedAt: meta.CreatedAt,
		Sentiment: types.Sentiment{Label: meta.SentimentLabel, Score: meta.SentimentScore},
		Content:   doc.Content,
		SourceRef: doc.SourceRef,
	}, nil
}
