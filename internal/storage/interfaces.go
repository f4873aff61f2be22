// Package storage provides composable storage interfaces for Quietmind.
//
// The encrypted payload store and the vector index are deliberately separate
// interfaces backed by separate tables (or separate databases): no cross-store
// transaction exists. Consistency between them is maintained by the ingestion
// write ordering plus the reconciliation pass in the engine package.
package storage

import (
	"context"
	"time"

	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/pkg/types"
)

// PayloadStore is the durable id -> encrypted-blob store. The plaintext
// content of a memory lives only here, sealed in an AEAD envelope.
type PayloadStore interface {
	// Put stores the envelope under id. Existing entries are overwritten.
	Put(ctx context.Context, id, userID string, env crypto.Envelope) error

	// Get retrieves the envelope for id.
	// Returns ErrNotFound if no entry exists.
	Get(ctx context.Context, id string) (crypto.Envelope, error)

	// Delete removes the entry for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// ListIDs returns all payload ids belonging to userID.
	// Used by the reconciliation pass to detect orphaned vector entries.
	ListIDs(ctx context.Context, userID string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// VectorIndex is the nearest-neighbor index over record embeddings. It only
// ever sees embeddings and plaintext metadata, never decrypted content.
type VectorIndex interface {
	// Upsert stores the embedding and filterable metadata for id.
	Upsert(ctx context.Context, id string, embedding []float32, meta RecordMeta) error

	// Query returns up to topK entries for userID ordered by descending
	// cosine similarity to the query embedding, ties broken by ascending
	// CreatedAt. Filters restrict candidates by plaintext metadata only.
	Query(ctx context.Context, userID string, embedding []float32, f Filters, topK int) ([]Match, error)

	// Delete removes the entry for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// ListEntries returns the index entries for userID matching the filters,
	// ordered by ascending CreatedAt. Used by reconciliation and by the mood
	// aggregator, neither of which needs decrypted content.
	ListEntries(ctx context.Context, userID string, f Filters) ([]IndexEntry, error)

	// Users returns the distinct user ids present in the index.
	// Used by the reconciliation pass to walk the whole index.
	Users(ctx context.Context) ([]string, error)

	// Close releases any resources held by the index.
	Close() error
}

// ReminderStore persists reminders and their state machine. Every state
// transition goes through check-and-set semantics so a concurrent cancel and
// a concurrent fire cannot both succeed.
type ReminderStore interface {
	// Create persists a new reminder.
	Create(ctx context.Context, r *types.Reminder) error

	// Get retrieves a reminder by id.
	// Returns ErrNotFound if the reminder doesn't exist.
	Get(ctx context.Context, id string) (*types.Reminder, error)

	// ListByUser returns the reminders owned by userID ordered by ascending
	// trigger time. When includeHistory is false, terminal reminders (fired,
	// failed, cancelled) are excluded.
	ListByUser(ctx context.Context, userID string, includeHistory bool) ([]*types.Reminder, error)

	// TransitionState atomically moves the reminder from state `from` to
	// state `to`, recording the new delivery attempt count. Returns
	// ErrStateConflict when the reminder is no longer in `from`, and
	// ErrNotFound when it doesn't exist.
	TransitionState(ctx context.Context, id string, from, to types.ReminderState, attempts int) error

	// RescheduleFrom atomically moves the reminder from state `from` back to
	// scheduled with a new trigger time and attempt count. Used for retry
	// backoff and for recurrence re-entry. Same conflict semantics as
	// TransitionState.
	RescheduleFrom(ctx context.Context, id string, from types.ReminderState, triggerTime time.Time, attempts int) error

	// DueReminders returns scheduled reminders whose trigger time is at or
	// before now, ordered by ascending trigger time.
	DueReminders(ctx context.Context, now time.Time) ([]*types.Reminder, error)

	// StaleAttempting returns reminders frozen in the attempting state since
	// before the given cutoff. Used by crash recovery at scheduler start.
	StaleAttempting(ctx context.Context, cutoff time.Time) ([]*types.Reminder, error)

	// Close releases any resources held by the store.
	Close() error
}
