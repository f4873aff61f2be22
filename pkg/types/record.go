// Package types defines the core data model shared across Quietmind:
// memory records, sentiment tags, reminders, and mood statistics.
package types

import (
	"errors"
	"fmt"
	"time"
)

// RecordType identifies the kind of message a memory record was created from.
type RecordType string

const (
	// RecordText is a plain text note.
	RecordText RecordType = "text"

	// RecordVoice is a voice message; plaintext is the external transcription.
	RecordVoice RecordType = "voice"

	// RecordImage is an image; plaintext is the external caption.
	RecordImage RecordType = "image"

	// RecordLink is a shared link; plaintext is the external summary.
	RecordLink RecordType = "link"
)

// ValidRecordTypes contains all valid record type values.
var ValidRecordTypes = []RecordType{RecordText, RecordVoice, RecordImage, RecordLink}

// IsValidRecordType checks if the given type is a known record type.
func IsValidRecordType(t RecordType) bool {
	for _, valid := range ValidRecordTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// ErrContentUnavailable indicates a non-text message arrived without its
// externally derived plaintext (transcription, caption, or summary), so no
// embeddable representation exists.
var ErrContentUnavailable = errors.New("content unavailable: no derivable plaintext")

// RawContent is the inbound message body handed to ingestion.
// For text records Body carries the note itself. For voice, image, and link
// records Derived carries the transcription, caption, or summary produced by
// the external pipeline step; Body may hold an opaque reference (file id, URL)
// that is stored encrypted alongside the content.
type RawContent struct {
	Body    string
	Derived string
}

// DerivePlaintext returns the embeddable plaintext for a record of type t.
// Each record type supplies its own derivation: text uses the body directly,
// the media types require the externally supplied Derived text and fail with
// ErrContentUnavailable when it is absent.
func (t RecordType) DerivePlaintext(raw RawContent) (string, error) {
	switch t {
	case RecordText:
		if raw.Body == "" {
			return "", fmt.Errorf("%w: empty text body", ErrContentUnavailable)
		}
		return raw.Body, nil
	case RecordVoice, RecordImage, RecordLink:
		if raw.Derived == "" {
			return "", fmt.Errorf("%w: %s record has no derived text", ErrContentUnavailable, t)
		}
		return raw.Derived, nil
	default:
		return "", fmt.Errorf("unknown record type %q", t)
	}
}

// Sentiment is the (label, score) tag attached to a record at ingestion.
// Score is in [-1, 1], negative for negative sentiment. The tag is immutable
// once stored.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// MemoryRecord is one stored, encrypted, vector-indexed user note.
//
// The plaintext content lives only inside the encrypted payload at rest; the
// fields here are the non-sensitive projection used for filtering and ranking.
// Records are created once and never mutated except by explicit deletion.
type MemoryRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      RecordType `json:"type"`
	CreatedAt time.Time  `json:"created_at"`

	// Embedding is computed from the plaintext before encryption and never
	// recomputed after storage.
	Embedding []float32 `json:"embedding,omitempty"`

	Sentiment Sentiment `json:"sentiment"`
}
