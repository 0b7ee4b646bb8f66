package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/crypto"
)

// GetPublicKey returns the published base64 public key for a user.
func (s *Store) GetPublicKey(ctx context.Context, userID string) (string, bool, error) {
	if userID == "" {
		return "", false, errors.New("user_id is required")
	}

	var publicKey string
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&publicKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get public key for user %q: %w", userID, err)
	}
	if publicKey == "" {
		return "", false, nil
	}
	return publicKey, true, nil
}

// SetPublicKey publishes a user's public key. Replacing a different key
// records a key rotation event in the same transaction.
func (s *Store) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}
	if publicKey == "" {
		return errors.New("public_key is required")
	}

	fingerprint := crypto.EncodedKeyFingerprint(publicKey)
	now := nowUnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set public key transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var oldFingerprint string
	err = tx.QueryRowContext(ctx,
		`SELECT key_fingerprint FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&oldFingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read current key for user %q: %w", userID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (user_id, public_key, key_fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			public_key = excluded.public_key,
			key_fingerprint = excluded.key_fingerprint,
			updated_at = excluded.updated_at`,
		userID,
		publicKey,
		fingerprint,
		now,
	); err != nil {
		return fmt.Errorf("upsert public key for user %q: %w", userID, err)
	}

	if oldFingerprint != "" && oldFingerprint != fingerprint {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO key_rotation_events (
				user_id,
				old_key_fingerprint,
				new_key_fingerprint,
				timestamp
			) VALUES (?, ?, ?, ?)`,
			userID,
			oldFingerprint,
			fingerprint,
			now,
		); err != nil {
			return fmt.Errorf("insert key rotation event for user %q: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set public key transaction: %w", err)
	}
	return nil
}

// GetRecentKeyRotationEvents returns the newest key changes for a user.
func (s *Store) GetRecentKeyRotationEvents(ctx context.Context, userID string, limit int) ([]KeyRotationEvent, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, old_key_fingerprint, new_key_fingerprint, timestamp
		FROM key_rotation_events
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get key rotation events for user %q: %w", userID, err)
	}
	defer rows.Close()

	events := make([]KeyRotationEvent, 0)
	for rows.Next() {
		var event KeyRotationEvent
		if err := rows.Scan(
			&event.ID,
			&event.UserID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key rotation event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rotation event rows: %w", err)
	}

	return events, nil
}
