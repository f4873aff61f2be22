package types

import (
	"time"
)

// ReminderState is the lifecycle state of a reminder instance.
type ReminderState string

const (
	// ReminderScheduled means the reminder is waiting for its trigger time.
	ReminderScheduled ReminderState = "scheduled"

	// ReminderAttempting means a delivery attempt is in flight.
	ReminderAttempting ReminderState = "attempting"

	// ReminderFired means delivery succeeded. Terminal unless a recurrence
	// rule re-enters the reminder into scheduled.
	ReminderFired ReminderState = "fired"

	// ReminderFailed means delivery failed max_attempts times. Terminal for
	// this recurrence instance.
	ReminderFailed ReminderState = "failed"

	// ReminderCancelled means the user cancelled before delivery. Terminal.
	ReminderCancelled ReminderState = "cancelled"
)

// ValidReminderStates contains all valid reminder state values.
var ValidReminderStates = []ReminderState{
	ReminderScheduled,
	ReminderAttempting,
	ReminderFired,
	ReminderFailed,
	ReminderCancelled,
}

// IsValidReminderTransition validates reminder state transitions.
//
// Valid transitions:
//
//	scheduled  -> attempting (trigger time reached)
//	scheduled  -> cancelled  (user cancel; only honored from scheduled)
//	attempting -> fired      (delivery ok)
//	attempting -> scheduled  (delivery failed, attempts < max; backoff)
//	attempting -> failed     (delivery failed, attempts >= max)
//	fired      -> scheduled  (recurrence rule advances trigger time)
//	failed, cancelled        (terminal, no transitions out)
func IsValidReminderTransition(from, to ReminderState) bool {
	switch from {
	case ReminderScheduled:
		return to == ReminderAttempting || to == ReminderCancelled
	case ReminderAttempting:
		return to == ReminderFired || to == ReminderScheduled || to == ReminderFailed
	case ReminderFired:
		return to == ReminderScheduled
	case ReminderFailed, ReminderCancelled:
		return false
	default:
		return false
	}
}

// IsTerminal reports whether the state admits no further transitions for the
// current recurrence instance. Fired is terminal only for non-recurring
// reminders; callers with a recurrence rule re-enter scheduled instead.
func (s ReminderState) IsTerminal() bool {
	return s == ReminderFailed || s == ReminderCancelled || s == ReminderFired
}

// RecurrenceKind identifies how a reminder repeats after firing.
type RecurrenceKind string

const (
	// RecurrenceNone is a one-shot reminder.
	RecurrenceNone RecurrenceKind = "none"

	// RecurrenceDaily repeats every 24 hours.
	RecurrenceDaily RecurrenceKind = "daily"

	// RecurrenceWeekly repeats on a set of weekdays.
	RecurrenceWeekly RecurrenceKind = "weekly"
)

// Recurrence describes an optional repetition rule for a reminder.
// Weekdays is only meaningful for RecurrenceWeekly.
type Recurrence struct {
	Kind     RecurrenceKind `json:"kind"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// None reports whether the rule describes a one-shot reminder.
func (r Recurrence) None() bool {
	return r.Kind == "" || r.Kind == RecurrenceNone
}

// Reminder is a user-scheduled, time-triggered notification with retry and
// optional recurrence. The message content is stored encrypted; only the
// scheduler decrypts it, immediately before delivery.
type Reminder struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// EncryptedContent and ContentNonce hold the AEAD ciphertext of the
	// reminder message.
	EncryptedContent []byte `json:"-"`
	ContentNonce     []byte `json:"-"`

	TriggerTime time.Time  `json:"trigger_time"`
	Recurrence  Recurrence `json:"recurrence"`

	State ReminderState `json:"state"`

	// DeliveryAttempts counts failed delivery attempts for the current
	// recurrence cycle; reset to zero when a recurring reminder re-enters
	// scheduled after firing.
	DeliveryAttempts int `json:"delivery_attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
