package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatcore/models"
)

const (
	defaultPageLimit = 30
	maxPageLimit     = 500

	messageColumns = `
			id,
			conversation_id,
			sender_id,
			content,
			message_type,
			created_at,
			media_url,
			media_thumbnail_url,
			forwarded_from,
			original_message_id,
			is_encrypted,
			encrypted_key,
			encrypted_iv`
)

// InsertMessage stores a draft, assigning its id and created_at, and
// publishes it to realtime subscribers of the conversation.
func (s *Store) InsertMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if draft.ConversationID == "" {
		return models.Message{}, errors.New("conversation_id is required")
	}
	if draft.SenderID == "" {
		return models.Message{}, errors.New("sender_id is required")
	}
	if draft.MessageType == "" {
		draft.MessageType = models.MessageTypeText
	}
	if err := validateMessageType(draft.MessageType); err != nil {
		return models.Message{}, err
	}
	if draft.IsEncrypted && (draft.EncryptedKey == "" || draft.EncryptedIV == "") {
		return models.Message{}, errors.New("encrypted_key and encrypted_iv are required for encrypted messages")
	}

	message := models.Message{
		ID:                uuid.NewString(),
		ConversationID:    draft.ConversationID,
		SenderID:          draft.SenderID,
		Content:           draft.Content,
		MessageType:       draft.MessageType,
		CreatedAt:         s.nextTimestamp(),
		MediaURL:          draft.MediaURL,
		MediaThumbnailURL: draft.MediaThumbnailURL,
		ForwardedFrom:     draft.ForwardedFrom,
		OriginalMessageID: draft.OriginalMessageID,
		IsEncrypted:       draft.IsEncrypted,
	}
	if draft.IsEncrypted {
		message.EncryptedKey = draft.EncryptedKey
		message.EncryptedIV = draft.EncryptedIV
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		message.MessageType,
		message.CreatedAt,
		message.MediaURL,
		message.MediaThumbnailURL,
		message.ForwardedFrom,
		message.OriginalMessageID,
		boolToInt(message.IsEncrypted),
		message.EncryptedKey,
		message.EncryptedIV,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message in conversation %q: %w", message.ConversationID, err)
	}

	s.hub.publishInsert(message)
	return message, nil
}

// FetchPage returns one page of a conversation ordered newest first.
func (s *Store) FetchPage(ctx context.Context, conversationID string, query models.PageQuery) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if query.Before <= 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT`+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?`,
			conversationID,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT`+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			  AND (created_at < ? OR (created_at = ? AND id < ?))
			ORDER BY created_at DESC, id DESC
			LIMIT ?`,
			conversationID,
			query.Before,
			query.Before,
			query.BeforeID,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch page for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return *message, nil
}

// UpdateMessage replaces the body of a message owned by requesterID and
// publishes the new version as an update event.
func (s *Store) UpdateMessage(ctx context.Context, messageID, requesterID string, edit models.MessageEdit) (models.Message, error) {
	if edit.IsEncrypted && (edit.EncryptedKey == "" || edit.EncryptedIV == "") {
		return models.Message{}, errors.New("encrypted_key and encrypted_iv are required for encrypted messages")
	}

	existing, err := s.authorize(ctx, messageID, requesterID)
	if err != nil {
		return models.Message{}, err
	}
	if !edit.IsEncrypted {
		edit.EncryptedKey = ""
		edit.EncryptedIV = ""
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages
		SET content = ?, is_encrypted = ?, encrypted_key = ?, encrypted_iv = ?
		WHERE id = ?`,
		edit.Content,
		boolToInt(edit.IsEncrypted),
		edit.EncryptedKey,
		edit.EncryptedIV,
		messageID,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("update message %q: %w", messageID, err)
	}

	existing.Content = edit.Content
	existing.IsEncrypted = edit.IsEncrypted
	existing.EncryptedKey = edit.EncryptedKey
	existing.EncryptedIV = edit.EncryptedIV

	s.hub.publishUpdate(existing)
	return existing, nil
}

// DeleteMessage removes a message if requesterID is its sender. Rejections
// return ErrForbidden or ErrNotFound and leave the row untouched.
func (s *Store) DeleteMessage(ctx context.Context, messageID, requesterID string) error {
	existing, err := s.authorize(ctx, messageID, requesterID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND sender_id = ?`,
		messageID,
		requesterID,
	)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.hub.publishDelete(existing.ConversationID, messageID)
	return nil
}

func (s *Store) authorize(ctx context.Context, messageID, requesterID string) (models.Message, error) {
	if requesterID == "" {
		return models.Message{}, errors.New("requester_id is required")
	}

	existing, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if existing.SenderID != requesterID {
		return models.Message{}, fmt.Errorf("message %q owned by another sender: %w", messageID, ErrForbidden)
	}
	return existing, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message     models.Message
		messageType sql.NullString
		isEncrypted int
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Content,
		&messageType,
		&message.CreatedAt,
		&message.MediaURL,
		&message.MediaThumbnailURL,
		&message.ForwardedFrom,
		&message.OriginalMessageID,
		&isEncrypted,
		&message.EncryptedKey,
		&message.EncryptedIV,
	); err != nil {
		return nil, err
	}

	message.MessageType = models.MessageTypeText
	if messageType.Valid && messageType.String != "" {
		message.MessageType = messageType.String
	}
	message.IsEncrypted = isEncrypted == 1

	return &message, nil
}
