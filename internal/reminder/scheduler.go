// Package reminder implements the reminder scheduler: user-scheduled,
// time-triggered notifications with retry backoff, recurrence and
// crash-recovery. Reminder content is stored encrypted and decrypted only in
// the moment before delivery.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietmind/quietmind/internal/capability"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// ErrDeliveryInProgress is returned by Cancel when the reminder is mid
// delivery. The outcome of the in-flight attempt decides what happens next;
// cancellation cannot retroactively stop it.
var ErrDeliveryInProgress = errors.New("reminder: delivery already in progress")

// Config holds scheduler tunables.
type Config struct {
	// SweepInterval is how often the scheduler looks for due reminders.
	SweepInterval time.Duration

	// MaxAttempts bounds delivery attempts per recurrence cycle.
	MaxAttempts int

	// BackoffBase is the delay before the first retry; it doubles on each
	// subsequent failure.
	BackoffBase time.Duration

	// BackoffCap limits the exponential backoff.
	BackoffCap time.Duration

	// StaleAttemptTimeout is how long a reminder may sit in attempting before
	// restart recovery treats the delivery attempt as lost.
	StaleAttemptTimeout time.Duration
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:       15 * time.Second,
		MaxAttempts:         5,
		BackoffBase:         30 * time.Second,
		BackoffCap:          10 * time.Minute,
		StaleAttemptTimeout: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap %s is below backoff base %s", c.BackoffCap, c.BackoffBase)
	}
	if c.StaleAttemptTimeout <= 0 {
		return fmt.Errorf("stale attempt timeout must be positive, got %s", c.StaleAttemptTimeout)
	}
	return nil
}

// Scheduler owns the reminder lifecycle: creation, the periodic due sweep,
// delivery with retry, recurrence re-entry and cancellation. All state
// transitions go through the store's check-and-set operations, so a
// concurrent cancel and a concurrent fire can never both win.
type Scheduler struct {
	config   Config
	store    storage.ReminderStore
	notifier capability.Notifier
	cipher   *crypto.Cipher

	// now is the clock source; replaced in tests.
	now func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler over the given store, notifier and cipher.
func NewScheduler(cfg Config, store storage.ReminderStore, notifier capability.Notifier, cipher *crypto.Cipher) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reminder: invalid config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("reminder: store is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("reminder: notifier is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("reminder: cipher is required")
	}

	return &Scheduler{
		config:   cfg,
		store:    store,
		notifier: notifier,
		cipher:   cipher,
		now:      time.Now,
	}, nil
}

// Schedule encrypts the content and persists a new reminder in the scheduled
// state. A trigger time in the past is allowed; the reminder fires on the
// next sweep.
func (s *Scheduler) Schedule(ctx context.Context, userID, content string, triggerTime time.Time, rec types.Recurrence) (*types.Reminder, error) {
	if userID == "" {
		return nil, fmt.Errorf("reminder: %w: user id is required", storage.ErrInvalidInput)
	}
	if content == "" {
		return nil, fmt.Errorf("reminder: %w: content is required", storage.ErrInvalidInput)
	}
	if err := validateRecurrence(rec); err != nil {
		return nil, err
	}

	env, err := s.cipher.EncryptString(content)
	if err != nil {
		return nil, fmt.Errorf("reminder: %w", err)
	}

	now := s.now().UTC()
	r := &types.Reminder{
		ID:               uuid.New().String(),
		UserID:           userID,
		EncryptedContent: env.Ciphertext,
		ContentNonce:     env.Nonce,
		TriggerTime:      triggerTime.UTC(),
		Recurrence:       rec,
		State:            types.ReminderScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("reminder: create failed: %w", err)
	}
	return r, nil
}

// Cancel moves a scheduled reminder to cancelled. A reminder mid delivery
// returns ErrDeliveryInProgress; reminders already in a terminal state return
// ErrStateConflict; unknown ids return ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reminder: %w", err)
	}

	switch r.State {
	case types.ReminderScheduled:
		err := s.store.TransitionState(ctx, id, types.ReminderScheduled, types.ReminderCancelled, r.DeliveryAttempts)
		if errors.Is(err, storage.ErrStateConflict) {
			// Lost the race with a sweep that claimed the reminder.
			return ErrDeliveryInProgress
		}
		if err != nil {
			return fmt.Errorf("reminder: %w", err)
		}
		return nil
	case types.ReminderAttempting:
		return ErrDeliveryInProgress
	default:
		return fmt.Errorf("reminder: %w: already %s", storage.ErrStateConflict, r.State)
	}
}

// List returns the user's reminders, pending only unless includeHistory is
// set.
func (s *Scheduler) List(ctx context.Context, userID string, includeHistory bool) ([]*types.Reminder, error) {
	if userID == "" {
		return nil, fmt.Errorf("reminder: %w: user id is required", storage.ErrInvalidInput)
	}
	return s.store.ListByUser(ctx, userID, includeHistory)
}

// Start recovers reminders stranded in attempting by a previous crash, then
// launches the periodic due sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("reminder: scheduler already started")
	}

	if err := s.recoverStale(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)

	return nil
}

// Stop halts the sweep loop and waits for in-flight deliveries to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

// recoverStale treats any reminder frozen in attempting past the stale
// timeout as a lost delivery attempt: the attempt is counted and the reminder
// is either rescheduled for an immediate retry or marked failed.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := s.now().Add(-s.config.StaleAttemptTimeout)
	stale, err := s.store.StaleAttempting(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reminder: stale recovery failed: %w", err)
	}

	for _, r := range stale {
		attempts := r.DeliveryAttempts + 1
		if attempts >= s.config.MaxAttempts {
			err = s.store.TransitionState(ctx, r.ID, types.ReminderAttempting, types.ReminderFailed, attempts)
		} else {
			err = s.store.RescheduleFrom(ctx, r.ID, types.ReminderAttempting, s.now().UTC(), attempts)
		}
		if err != nil && !errors.Is(err, storage.ErrStateConflict) && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reminder: stale recovery of %s failed: %w", r.ID, err)
		}
	}

	if len(stale) > 0 {
		log.Printf("reminder: recovered %d stale delivery attempts", len(stale))
	}
	return nil
}

// loop sweeps immediately and then on every tick until the context is
// cancelled. The done channel closes only after in-flight deliveries finish.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.inflight.Wait()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep claims every due reminder with a scheduled -> attempting transition
// and dispatches a delivery goroutine for each successful claim. A claim that
// loses to a concurrent cancel (or another sweep) is skipped silently.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.DueReminders(ctx, s.now())
	if err != nil {
		log.Printf("reminder: due sweep failed: %v", err)
		return
	}

	for _, r := range due {
		err := s.store.TransitionState(ctx, r.ID, types.ReminderScheduled, types.ReminderAttempting, r.DeliveryAttempts)
		if errors.Is(err, storage.ErrStateConflict) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("reminder: failed to claim %s: %v", r.ID, err)
			continue
		}

		s.inflight.Add(1)
		go s.deliver(ctx, r)
	}
}

// deliver decrypts the content, attempts delivery and records the outcome.
// State writes after the attempt use a detached context so a shutdown during
// delivery still leaves the reminder in a consistent state.
func (s *Scheduler) deliver(ctx context.Context, r *types.Reminder) {
	defer s.inflight.Done()

	message, err := s.cipher.DecryptString(crypto.Envelope{
		Ciphertext: r.EncryptedContent,
		Nonce:      r.ContentNonce,
		Alg:        crypto.AlgorithmTag,
	})
	if err == nil {
		err = s.notifier.Deliver(ctx, r.UserID, message)
	}

	if err != nil {
		s.recordFailure(context.WithoutCancel(ctx), r, err)
		return
	}
	s.recordSuccess(context.WithoutCancel(ctx), r)
}

// recordFailure counts the attempt and either schedules a backoff retry or
// marks the reminder failed.
func (s *Scheduler) recordFailure(ctx context.Context, r *types.Reminder, cause error) {
	attempts := r.DeliveryAttempts + 1

	if attempts >= s.config.MaxAttempts {
		log.Printf("reminder: %s failed after %d attempts: %v", r.ID, attempts, cause)
		if err := s.store.TransitionState(ctx, r.ID, types.ReminderAttempting, types.ReminderFailed, attempts); err != nil {
			log.Printf("reminder: failed to mark %s failed: %v", r.ID, err)
		}
		return
	}

	next := s.now().UTC().Add(s.backoff(attempts))
	log.Printf("reminder: delivery of %s failed (attempt %d): %v; retrying at %s", r.ID, attempts, cause, next.Format(time.RFC3339))
	if err := s.store.RescheduleFrom(ctx, r.ID, types.ReminderAttempting, next, attempts); err != nil {
		log.Printf("reminder: failed to reschedule %s: %v", r.ID, err)
	}
}

// recordSuccess marks the reminder fired and, for recurring reminders,
// re-enters it into scheduled at the next trigger time with the attempt
// counter reset.
func (s *Scheduler) recordSuccess(ctx context.Context, r *types.Reminder) {
	if err := s.store.TransitionState(ctx, r.ID, types.ReminderAttempting, types.ReminderFired, r.DeliveryAttempts); err != nil {
		log.Printf("reminder: failed to mark %s fired: %v", r.ID, err)
		return
	}

	if r.Recurrence.None() {
		return
	}

	next, err := NextTrigger(r.Recurrence, r.TriggerTime, s.now())
	if err != nil {
		log.Printf("reminder: recurrence for %s stops: %v", r.ID, err)
		return
	}
	if err := s.store.RescheduleFrom(ctx, r.ID, types.ReminderFired, next, 0); err != nil {
		log.Printf("reminder: failed to re-enter %s: %v", r.ID, err)
	}
}

// backoff returns the delay before the given retry attempt: the base delay
// doubled per prior failure, capped.
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.config.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.config.BackoffCap {
			return s.config.BackoffCap
		}
	}
	if delay > s.config.BackoffCap {
		return s.config.BackoffCap
	}
	return delay
}
