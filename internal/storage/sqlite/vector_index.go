package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// Ensure *VectorIndex implements storage.VectorIndex at compile time.
var _ storage.VectorIndex = (*VectorIndex)(nil)

// queryMaxCandidates caps the number of embeddings loaded into memory during
// a query. Candidates are selected newest first so recent records are always
// considered. For typical personal-memory datasets (< 10k records per user)
// this limit is never hit; larger deployments should use the postgres backend
// for indexed ANN search.
const queryMaxCandidates = 10_000

// VectorIndex implements storage.VectorIndex using SQLite. Embeddings are
// stored normalized as binary BLOBs and ranked in Go by cosine similarity.
type VectorIndex struct {
	db *sql.DB
}

// Upsert stores the embedding and filterable metadata for id.
// The embedding is normalized before storage so that Query reduces cosine
// similarity to a dot product.
func (v *VectorIndex) Upsert(ctx context.Context, id string, embedding []float32, meta storage.RecordMeta) error {
	if id == "" {
		return fmt.Errorf("%w: record id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if meta.UserID == "" {
		return fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}

	indexedAt := meta.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}

	blob := serializeEmbedding(storage.Normalize(embedding))

	query := `
		INSERT INTO vectors (
			id, user_id, record_type, created_at,
			sentiment_label, sentiment_score, indexed_at,
			embedding, dimension
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			record_type = excluded.record_type,
			created_at = excluded.created_at,
			sentiment_label = excluded.sentiment_label,
			sentiment_score = excluded.sentiment_score,
			indexed_at = excluded.indexed_at,
			embedding = excluded.embedding,
			dimension = excluded.dimension
	`

	_, err := v.db.ExecContext(ctx, query,
		id, meta.UserID, string(meta.Type), meta.CreatedAt.UTC(),
		meta.SentimentLabel, meta.SentimentScore, indexedAt,
		blob, len(embedding),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert vector: %w", err)
	}
	return nil
}

// Query returns up to topK matches for userID by descending cosine similarity,
// ties broken by ascending created_at.
func (v *VectorIndex) Query(ctx context.Context, userID string, embedding []float32, f storage.Filters, topK int) ([]storage.Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 || topK <= 0 {
		return []storage.Match{}, nil
	}

	where, args := filterClauses(userID, f)
	querySQL := fmt.Sprintf(`
		SELECT id, user_id, record_type, created_at,
		       sentiment_label, sentiment_score, indexed_at,
		       embedding, dimension
		FROM vectors
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ?`, strings.Join(where, " AND "))
	args = append(args, queryMaxCandidates)

	rows, err := v.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queryVec := storage.Normalize(embedding)

	var matches []storage.Match
	for rows.Next() {
		entry, blob, dim, err := scanVectorRow(rows)
		if err != nil {
			return nil, err
		}

		candidate, err := deserializeEmbedding(blob, dim)
		if err != nil {
			// A corrupt embedding blob makes the row unrankable; skip it
			// rather than failing the whole query.
			continue
		}

		matches = append(matches, storage.Match{
			ID:         entry.ID,
			Similarity: storage.CosineSimilarity(queryVec, candidate),
			Meta:       entry.Meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector query rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Meta.CreatedAt.Before(matches[j].Meta.CreatedAt)
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes the entry for id. Missing ids are not an error.
func (v *VectorIndex) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: record id is required", storage.ErrInvalidInput)
	}

	if _, err := v.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to delete vector: %w", err)
	}
	return nil
}

// ListEntries returns the index entries for userID matching the filters,
// ordered by ascending created_at.
func (v *VectorIndex) ListEntries(ctx context.Context, userID string, f storage.Filters) ([]storage.IndexEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}

	where, args := filterClauses(userID, f)
	querySQL := fmt.Sprintf(`
		SELECT id, user_id, record_type, created_at,
		       sentiment_label, sentiment_score, indexed_at,
		       embedding, dimension
		FROM vectors
		WHERE %s
		ORDER BY created_at ASC`, strings.Join(where, " AND "))

	rows, err := v.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []storage.IndexEntry
	for rows.Next() {
		entry, _, _, err := scanVectorRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector list rows: %w", err)
	}
	return entries, nil
}

// Users returns the distinct user ids present in the index.
func (v *VectorIndex) Users(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list index users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan user id: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: index user rows: %w", err)
	}
	return users, nil
}

// Close is a no-op; the shared Store owns the connection.
func (v *VectorIndex) Close() error {
	return nil
}

// filterClauses builds the WHERE clauses and args for a user-scoped,
// filtered vector query.
func filterClauses(userID string, f storage.Filters) ([]string, []interface{}) {
	where := []string{"user_id = ?"}
	args := []interface{}{userID}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("record_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	return where, args
}

// scanVectorRow scans one row of the canonical vector SELECT column list.
func scanVectorRow(rows *sql.Rows) (storage.IndexEntry, []byte, int, error) {
	var entry storage.IndexEntry
	var recordType string
	var blob []byte
	var dim int

	err := rows.Scan(
		&entry.ID,
		&entry.Meta.UserID,
		&recordType,
		&entry.Meta.CreatedAt,
		&entry.Meta.SentimentLabel,
		&entry.Meta.SentimentScore,
		&entry.Meta.IndexedAt,
		&blob,
		&dim,
	)
	if err != nil {
		return storage.IndexEntry{}, nil, 0, fmt.Errorf("sqlite: scan vector row: %w", err)
	}

	entry.Meta.Type = types.RecordType(recordType)
	return entry, blob, dim, nil
}

// serializeEmbedding encodes a vector as little-endian float32 bytes.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding decodes little-endian float32 bytes into a vector of
// the expected dimension.
func deserializeEmbedding(data []byte, dimension int) ([]float32, error) {
	if len(data) != dimension*4 {
		return nil, fmt.Errorf("embedding blob has %d bytes, want %d", len(data), dimension*4)
	}

	embedding := make([]float32, dimension)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}
