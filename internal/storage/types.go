package storage

import (
	"errors"
	"time"

	"github.com/quietmind/quietmind/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStateConflict indicates a check-and-set state transition lost the
	// race: the reminder was no longer in the expected state.
	ErrStateConflict = errors.New("state conflict")
)

// RecordMeta is the non-sensitive metadata stored beside each vector index
// entry. These fields are never encrypted; they exist so queries can filter
// and rank without touching the payload store. The sentiment score is a
// derived statistic, not user content, so it is safe to keep in plaintext.
type RecordMeta struct {
	UserID         string
	Type           types.RecordType
	CreatedAt      time.Time
	SentimentLabel string
	SentimentScore float64

	// IndexedAt is when the vector entry was written. Reconciliation only
	// removes orphaned entries older than a grace period, so an in-flight
	// ingestion is never raced.
	IndexedAt time.Time
}

// Filters restricts vector index operations by plaintext metadata.
// Zero values mean unconstrained.
type Filters struct {
	// Types restricts to the given record types. Empty means all types.
	Types []types.RecordType

	// CreatedAfter restricts to records created at or after this time.
	CreatedAfter time.Time

	// CreatedBefore restricts to records created strictly before this time.
	CreatedBefore time.Time
}

// Matches reports whether meta satisfies the filters.
func (f Filters) Matches(meta RecordMeta) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if meta.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && meta.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !meta.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Match is one vector query result: the record id, its cosine similarity to
// the query embedding, and the plaintext metadata.
type Match struct {
	ID         string
	Similarity float64
	Meta       RecordMeta
}

// IndexEntry is one vector index entry as seen by metadata-only consumers
// (reconciliation, mood aggregation).
type IndexEntry struct {
	ID   string
	Meta RecordMeta
}
