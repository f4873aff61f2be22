package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// Ensure *ReminderStore implements storage.ReminderStore at compile time.
var _ storage.ReminderStore = (*ReminderStore)(nil)

// reminderSelectColumns is the canonical SELECT column list for the reminders
// table. It must match the scan order in scanReminderRow.
const reminderSelectColumns = `
	id, user_id, ciphertext, nonce, trigger_time,
	recurrence_kind, recurrence_days, state, delivery_attempts,
	created_at, updated_at
`

// ReminderStore implements storage.ReminderStore using SQLite. State
// transitions are single UPDATE statements guarded by the expected current
// state, which gives check-and-set semantics on SQLite's single-writer
// connection.
type ReminderStore struct {
	db *sql.DB
}

// Create persists a new reminder.
func (s *ReminderStore) Create(ctx context.Context, r *types.Reminder) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if r.ID == "" {
		return fmt.Errorf("%w: reminder id is required", storage.ErrInvalidInput)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if r.State == "" {
		r.State = types.ReminderScheduled
	}

	days, err := marshalWeekdays(r.Recurrence.Weekdays)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal recurrence days: %w", err)
	}

	kind := r.Recurrence.Kind
	if kind == "" {
		kind = types.RecurrenceNone
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	query := `
		INSERT INTO reminders (
			id, user_id, ciphertext, nonce, trigger_time,
			recurrence_kind, recurrence_days, state, delivery_attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.EncryptedContent, r.ContentNonce, r.TriggerTime.UTC(),
		string(kind), days, string(r.State), r.DeliveryAttempts,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create reminder: %w", err)
	}
	return nil
}

// Get retrieves a reminder by id, or storage.ErrNotFound.
func (s *ReminderStore) Get(ctx context.Context, id string) (*types.Reminder, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: reminder id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+reminderSelectColumns+" FROM reminders WHERE id = ?", id)

	r, err := scanReminderRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: failed to get reminder: %w", err)
	}
	return r, nil
}

// ListByUser returns reminders for userID ordered by ascending trigger time.
// Terminal reminders are retained as history and only returned when
// includeHistory is true.
func (s *ReminderStore) ListByUser(ctx context.Context, userID string, includeHistory bool) ([]*types.Reminder, error) {
	query := "SELECT " + reminderSelectColumns + " FROM reminders WHERE user_id = ?"
	if !includeHistory {
		query += " AND state IN ('scheduled', 'attempting')"
	}
	query += " ORDER BY trigger_time ASC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list reminders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanReminderRows(rows)
}

// TransitionState atomically moves the reminder from `from` to `to`.
// The UPDATE is guarded by the current state; zero rows affected means either
// the reminder is gone (ErrNotFound) or another transition won (ErrStateConflict).
func (s *ReminderStore) TransitionState(ctx context.Context, id string, from, to types.ReminderState, attempts int) error {
	if !types.IsValidReminderTransition(from, to) {
		return fmt.Errorf("%w: invalid transition %s -> %s", storage.ErrInvalidInput, from, to)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET state = ?, delivery_attempts = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(to), attempts, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to transition reminder: %w", err)
	}

	return s.checkTransitioned(ctx, result, id)
}

// RescheduleFrom atomically moves the reminder from `from` back to scheduled
// with a new trigger time and attempt count.
func (s *ReminderStore) RescheduleFrom(ctx context.Context, id string, from types.ReminderState, triggerTime time.Time, attempts int) error {
	if !types.IsValidReminderTransition(from, types.ReminderScheduled) {
		return fmt.Errorf("%w: invalid transition %s -> %s", storage.ErrInvalidInput, from, types.ReminderScheduled)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET state = ?, trigger_time = ?, delivery_attempts = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(types.ReminderScheduled), triggerTime.UTC(), attempts, time.Now().UTC(),
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to reschedule reminder: %w", err)
	}

	return s.checkTransitioned(ctx, result, id)
}

// checkTransitioned distinguishes a lost CAS race from a missing reminder
// after an UPDATE affected zero rows.
func (s *ReminderStore) checkTransitioned(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reminders WHERE id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: failed to check reminder existence: %w", err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrStateConflict
}

// DueReminders returns scheduled reminders due at or before now.
func (s *ReminderStore) DueReminders(ctx context.Context, now time.Time) ([]*types.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reminderSelectColumns+` FROM reminders
		WHERE state = 'scheduled' AND trigger_time <= ?
		ORDER BY trigger_time ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list due reminders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanReminderRows(rows)
}

// StaleAttempting returns reminders frozen in attempting since before cutoff.
func (s *ReminderStore) StaleAttempting(ctx context.Context, cutoff time.Time) ([]*types.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reminderSelectColumns+` FROM reminders
		WHERE state = 'attempting' AND updated_at < ?
		ORDER BY updated_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list stale reminders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanReminderRows(rows)
}

// Close is a no-op; the shared Store owns the connection.
func (s *ReminderStore) Close() error {
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanReminderRow scans one row of reminderSelectColumns.
func scanReminderRow(row rowScanner) (*types.Reminder, error) {
	var r types.Reminder
	var kind, state, days string

	err := row.Scan(
		&r.ID, &r.UserID, &r.EncryptedContent, &r.ContentNonce, &r.TriggerTime,
		&kind, &days, &state, &r.DeliveryAttempts,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Recurrence.Kind = types.RecurrenceKind(kind)
	r.State = types.ReminderState(state)

	weekdays, err := unmarshalWeekdays(days)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to parse recurrence days: %w", err)
	}
	r.Recurrence.Weekdays = weekdays

	return &r, nil
}

// scanReminderRows scans all rows of reminderSelectColumns.
func scanReminderRows(rows *sql.Rows) ([]*types.Reminder, error) {
	var reminders []*types.Reminder
	for rows.Next() {
		r, err := scanReminderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan reminder row: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: reminder rows: %w", err)
	}
	return reminders, nil
}

// marshalWeekdays encodes a weekday set as a JSON array of ints.
func marshalWeekdays(days []time.Weekday) (string, error) {
	if len(days) == 0 {
		return "", nil
	}
	b, err := json.Marshal(days)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalWeekdays decodes the JSON weekday set; empty means none.
func unmarshalWeekdays(s string) ([]time.Weekday, error) {
	if s == "" {
		return nil, nil
	}
	var days []time.Weekday
	if err := json.Unmarshal([]byte(s), &days); err != nil {
		return nil, err
	}
	return days, nil
}
