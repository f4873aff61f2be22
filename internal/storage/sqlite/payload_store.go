package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/storage"
)

// Ensure *PayloadStore implements storage.PayloadStore at compile time.
var _ storage.PayloadStore = (*PayloadStore)(nil)

// PayloadStore implements storage.PayloadStore using SQLite. It stores only
// opaque ciphertext; the database never sees plaintext content or the key.
type PayloadStore struct {
	db *sql.DB
}

// Put stores the envelope under id with upsert semantics.
func (s *PayloadStore) Put(ctx context.Context, id, userID string, env crypto.Envelope) error {
	if id == "" {
		return fmt.Errorf("%w: payload id is required", storage.ErrInvalidInput)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", storage.ErrInvalidInput)
	}
	if len(env.Ciphertext) == 0 {
		return fmt.Errorf("%w: ciphertext is required", storage.ErrInvalidInput)
	}

	query := `
		INSERT INTO payloads (id, user_id, ciphertext, nonce, alg)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			alg = excluded.alg
	`

	if _, err := s.db.ExecContext(ctx, query, id, userID, env.Ciphertext, env.Nonce, env.Alg); err != nil {
		return fmt.Errorf("sqlite: failed to store payload: %w", err)
	}
	return nil
}

// Get retrieves the envelope for id, or storage.ErrNotFound.
func (s *PayloadStore) Get(ctx context.Context, id string) (crypto.Envelope, error) {
	if id == "" {
		return crypto.Envelope{}, fmt.Errorf("%w: payload id is required", storage.ErrInvalidInput)
	}

	var env crypto.Envelope
	err := s.db.QueryRowContext(ctx,
		"SELECT ciphertext, nonce, alg FROM payloads WHERE id = ?", id,
	).Scan(&env.Ciphertext, &env.Nonce, &env.Alg)
	if err != nil {
		if err == sql.ErrNoRows {
			return crypto.Envelope{}, storage.ErrNotFound
		}
		return crypto.Envelope{}, fmt.Errorf("sqlite: failed to get payload: %w", err)
	}
	return env, nil
}

// Delete removes the payload for id. Missing ids are not an error: rollback
// and reconciliation may both target an id that is already gone.
func (s *PayloadStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: payload id is required", storage.ErrInvalidInput)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM payloads WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to delete payload: %w", err)
	}
	return nil
}

// ListIDs returns all payload ids belonging to userID.
func (s *PayloadStore) ListIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM payloads WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list payload ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan payload id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: payload id rows: %w", err)
	}
	return ids, nil
}

// Close is a no-op; the shared Store owns the connection.
func (s *PayloadStore) Close() error {
	return nil
}
