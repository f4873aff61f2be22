// Package postgres implements the Quietmind vector index on PostgreSQL with
// the pgvector extension. When the extension is unavailable, embeddings are
// still stored in a BYTEA column and ranked in-process, so the backend remains
// usable against a vanilla PostgreSQL server.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// Ensure *VectorIndex implements storage.VectorIndex at compile time.
var _ storage.VectorIndex = (*VectorIndex)(nil)

// fallbackMaxCandidates caps the embeddings loaded for in-process ranking
// when pgvector is not available.
const fallbackMaxCandidates = 10_000

const schema = `
CREATE TABLE IF NOT EXISTS vectors (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	record_type     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	sentiment_label TEXT NOT NULL DEFAULT '',
	sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	indexed_at      TIMESTAMPTZ NOT NULL,
	embedding       BYTEA NOT NULL,
	dimension       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vectors_user_created ON vectors(user_id, created_at);
`

// VectorIndex implements storage.VectorIndex using PostgreSQL.
type VectorIndex struct {
	db                *sql.DB
	pgvectorAvailable bool // true when the pgvector extension is present
	dimension         int
}

// NewVectorIndex opens a connection, creates the schema, and probes for the
// pgvector extension. dimension fixes the width of the pgvector column; it
// must match the embedding model's output.
func NewVectorIndex(dsn string, dimension int) (*VectorIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", storage.ErrInvalidInput)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	v := &VectorIndex{db: db, dimension: dimension}
	v.pgvectorAvailable = v.probePgvector(dimension)
	if !v.pgvectorAvailable {
		log.Println("postgres: pgvector extension not available, falling back to in-process ranking")
	}

	return v, nil
}

// probePgvector attempts to enable the pgvector extension and add the typed
// vector column. Returns false when either step fails.
func (v *VectorIndex) probePgvector(dimension int) bool {
	if _, err := v.db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return false
	}
	alter := fmt.Sprintf("ALTER TABLE vectors ADD COLUMN IF NOT EXISTS embedding_vec vector(%d)", dimension)
	if _, err := v.db.Exec(alter); err != nil {
		return false
	}
	return true
}

// Upsert stores the embedding and filterable metadata for id. The embedding
// is normalized before storage; it is always written to the BYTEA column and,
// when pgvector is available, to the typed vector column as well.
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

	normalized := storage.Normalize(embedding)
	blob := serializeEmbedding(normalized)

	if v.pgvectorAvailable {
		query := `
			INSERT INTO vectors (
				id, user_id, record_type, created_at,
				sentiment_label, sentiment_score, indexed_at,
				embedding, dimension, embedding_vec
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				record_type = excluded.record_type,
				created_at = excluded.created_at,
				sentiment_label = excluded.sentiment_label,
				sentiment_score = excluded.sentiment_score,
				indexed_at = excluded.indexed_at,
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				embedding_vec = excluded.embedding_vec
		`
		_, err := v.db.ExecContext(ctx, query,
			id, meta.UserID, string(meta.Type), meta.CreatedAt.UTC(),
			meta.SentimentLabel, meta.SentimentScore, indexedAt,
			blob, len(embedding), pgvector.NewVector(normalized),
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to upsert vector: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO vectors (
			id, user_id, record_type, created_at,
			sentiment_label, sentiment_score, indexed_at,
			embedding, dimension
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
		return fmt.Errorf("postgres: failed to upsert vector: %w", err)
	}
	return nil
}

// Query returns up to topK matches for userID by descending cosine similarity,
// ties broken by ascending created_at. With pgvector the ranking happens in
// SQL via the cosine-distance operator; otherwise candidates are ranked
// in-process.
func (v *VectorIndex) Query(ctx context.Context, userID string, embedding []float32, f storage.Filters, topK int) ([]storage.Match, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 || topK <= 0 {
		return []storage.Match{}, nil
	}

	queryVec := storage.Normalize(embedding)

	if v.pgvectorAvailable {
		return v.queryPgvector(ctx, userID, queryVec, f, topK)
	}
	return v.queryFallback(ctx, userID, queryVec, f, topK)
}

// queryPgvector ranks candidates with the <=> cosine-distance operator.
// Similarity = 1 - distance for normalized vectors.
func (v *VectorIndex) queryPgvector(ctx context.Context, userID string, queryVec []float32, f storage.Filters, topK int) ([]storage.Match, error) {
	where, args := filterClauses(userID, f)
	args = append(args, pgvector.NewVector(queryVec))
	vecArg := len(args)
	args = append(args, topK)

	querySQL := fmt.Sprintf(`
		SELECT id, user_id, record_type, created_at,
		       sentiment_label, sentiment_score, indexed_at,
		       1 - (embedding_vec <=> $%d) AS similarity
		FROM vectors
		WHERE %s AND embedding_vec IS NOT NULL
		ORDER BY similarity DESC, created_at ASC
		LIMIT $%d`, vecArg, strings.Join(where, " AND "), vecArg+1)

	rows, err := v.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.Match
	for rows.Next() {
		var m storage.Match
		var recordType string
		err := rows.Scan(
			&m.ID, &m.Meta.UserID, &recordType, &m.Meta.CreatedAt,
			&m.Meta.SentimentLabel, &m.Meta.SentimentScore, &m.Meta.IndexedAt,
			&m.Similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan match row: %w", err)
		}
		m.Meta.Type = types.RecordType(recordType)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector query rows: %w", err)
	}
	return matches, nil
}

// queryFallback loads candidate embeddings and ranks them in Go.
func (v *VectorIndex) queryFallback(ctx context.Context, userID string, queryVec []float32, f storage.Filters, topK int) ([]storage.Match, error) {
	where, args := filterClauses(userID, f)
	args = append(args, fallbackMaxCandidates)

	querySQL := fmt.Sprintf(`
		SELECT id, user_id, record_type, created_at,
		       sentiment_label, sentiment_score, indexed_at,
		       embedding, dimension
		FROM vectors
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := v.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.Match
	for rows.Next() {
		var m storage.Match
		var recordType string
		var blob []byte
		var dim int
		err := rows.Scan(
			&m.ID, &m.Meta.UserID, &recordType, &m.Meta.CreatedAt,
			&m.Meta.SentimentLabel, &m.Meta.SentimentScore, &m.Meta.IndexedAt,
			&blob, &dim,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vector row: %w", err)
		}

		candidate, err := deserializeEmbedding(blob, dim)
		if err != nil {
			continue
		}

		m.Meta.Type = types.RecordType(recordType)
		m.Similarity = storage.CosineSimilarity(queryVec, candidate)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector query rows: %w", err)
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

	if _, err := v.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = $1", id); err != nil {
		return fmt.Errorf("postgres: failed to delete vector: %w", err)
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
		       sentiment_label, sentiment_score, indexed_at
		FROM vectors
		WHERE %s
		ORDER BY created_at ASC`, strings.Join(where, " AND "))

	rows, err := v.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []storage.IndexEntry
	for rows.Next() {
		var e storage.IndexEntry
		var recordType string
		err := rows.Scan(
			&e.ID, &e.Meta.UserID, &recordType, &e.Meta.CreatedAt,
			&e.Meta.SentimentLabel, &e.Meta.SentimentScore, &e.Meta.IndexedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan entry row: %w", err)
		}
		e.Meta.Type = types.RecordType(recordType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector list rows: %w", err)
	}
	return entries, nil
}

// Users returns the distinct user ids present in the index.
func (v *VectorIndex) Users(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list index users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan user id: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: index user rows: %w", err)
	}
	return users, nil
}

// Close closes the database connection.
func (v *VectorIndex) Close() error {
	return v.db.Close()
}

// filterClauses builds the WHERE clauses and numbered args for a user-scoped,
// filtered vector query.
func filterClauses(userID string, f storage.Filters) ([]string, []interface{}) {
	where := []string{"user_id = $1"}
	args := []interface{}{userID}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, fmt.Sprintf("record_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if !f.CreatedAfter.IsZero() {
		args = append(args, f.CreatedAfter.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return where, args
}

// serializeEmbedding encodes a vector as little-endian float32 bytes.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(val))
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
