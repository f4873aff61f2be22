package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
)

// Reconciler is the background pass that repairs inconsistency between the
// vector index and the payload store. The only inconsistency that matters is
// a vector entry without a payload: it could surface a record whose content
// is gone. Payload entries without a vector entry are invisible to search and
// are left alone.
//
// Each Reconciler owns its loop goroutine and is independent of any other
// instance, so tests can run their own.
type Reconciler struct {
	payloads storage.PayloadStore
	vectors  storage.VectorIndex

	// interval is the period between passes.
	interval time.Duration

	// gracePeriod protects freshly written vector entries: an in-flight
	// ingestion writes the payload first, so any entry older than the grace
	// period with no payload is a genuine orphan, not a race.
	gracePeriod time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewReconciler creates a reconciler over the two stores.
func NewReconciler(payloads storage.PayloadStore, vectors storage.VectorIndex, interval, gracePeriod time.Duration) (*Reconciler, error) {
	if payloads == nil || vectors == nil {
		return nil, fmt.Errorf("reconciler: payload store and vector index are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("reconciler: interval must be positive")
	}
	if gracePeriod < 0 {
		return nil, fmt.Errorf("reconciler: grace period cannot be negative")
	}

	return &Reconciler{
		payloads:    payloads,
		vectors:     vectors,
		interval:    interval,
		gracePeriod: gracePeriod,
	}, nil
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("reconciler: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	go r.loop(loopCtx)

	return nil
}

// Stop halts the loop and waits for any in-progress pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.started = false
	r.mu.Unlock()

	cancel()
	<-done
}

// loop runs passes on the configured interval until the context is cancelled.
func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := r.RunOnce(ctx); err != nil {
				log.Printf("reconciler: pass failed: %v", err)
			} else if removed > 0 {
				log.Printf("reconciler: removed %d orphaned vector entries", removed)
			}
		}
	}
}

// RunOnce executes a single reconciliation pass across all users and returns
// the number of orphaned vector entries removed. The pass is idempotent:
// re-running it over a consistent store pair is a no-op.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	users, err := r.vectors.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconciler: failed to list users: %w", err)
	}

	cutoff := time.Now().Add(-r.gracePeriod)
	removed := 0

	for _, user := range users {
		n, err := r.reconcileUser(ctx, user, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	return removed, nil
}

// reconcileUser diffs one user's vector entries against the payload store and
// deletes orphans older than the cutoff.
func (r *Reconciler) reconcileUser(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	entries, err := r.vectors.ListEntries(ctx, userID, storage.Filters{})
	if err != nil {
		return 0, fmt.Errorf("reconciler: failed to list vector entries for %s: %w", userID, err)
	}

	payloadIDs, err := r.payloads.ListIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reconciler: failed to list payload ids for %s: %w", userID, err)
	}

	have := make(map[string]bool, len(payloadIDs))
	for _, id := range payloadIDs {
		have[id] = true
	}

	removed := 0
	for _, entry := range entries {
		if have[entry.ID] {
			continue
		}
		if entry.Meta.IndexedAt.After(cutoff) {
			// Possibly an in-flight ingestion; leave it for the next pass.
			continue
		}

		if err := r.vectors.Delete(ctx, entry.ID); err != nil {
			return removed, fmt.Errorf("reconciler: failed to delete orphan %s: %w", entry.ID, err)
		}
		removed++
	}

	return removed, nil
}
