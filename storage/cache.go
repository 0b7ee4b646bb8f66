package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatcore/models"
)

// LoadConversation returns the locally cached messages for a conversation.
// The bool is false when nothing has been cached yet.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, bool, error) {
	if conversationID == "" {
		return nil, false, errors.New("conversation_id is required")
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversation_cache WHERE conversation_id = ?`,
		conversationID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load cached conversation %q: %w", conversationID, err)
	}

	var messages []models.Message
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, false, fmt.Errorf("decode cached conversation %q: %w", conversationID, err)
	}
	return messages, true, nil
}

// SaveConversation replaces the cached messages for a conversation.
func (s *Store) SaveConversation(ctx context.Context, conversationID string, messages []models.Message) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if messages == nil {
		messages = []models.Message{}
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode cached conversation %q: %w", conversationID, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_cache (conversation_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		conversationID,
		string(payload),
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("save cached conversation %q: %w", conversationID, err)
	}
	return nil
}
