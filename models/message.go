package models

import (
	"errors"
	"sort"
)

const (
	// MessageTypeText is a plain text message.
	MessageTypeText = "text"
	// MessageTypeImage references an image in the media store.
	MessageTypeImage = "image"
	// MessageTypeFile references an arbitrary file in the media store.
	MessageTypeFile = "file"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrForbidden indicates the requester may not act on the record.
	ErrForbidden = errors.New("forbidden")
)

// Message is one entry of a conversation as stored remotely.
//
// Decrypted and DecryptionFailed are client-side annotations set by the
// encryption layer and are never persisted.
type Message struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversation_id"`
	SenderID          string `json:"sender_id"`
	Content           string `json:"content"`
	MessageType       string `json:"message_type"`
	CreatedAt         int64  `json:"created_at"`
	MediaURL          string `json:"media_url,omitempty"`
	MediaThumbnailURL string `json:"media_thumbnail_url,omitempty"`
	ForwardedFrom     string `json:"forwarded_from,omitempty"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
	IsEncrypted       bool   `json:"is_encrypted"`
	EncryptedKey      string `json:"encrypted_key,omitempty"`
	EncryptedIV       string `json:"encrypted_iv,omitempty"`

	Decrypted        bool `json:"-"`
	DecryptionFailed bool `json:"-"`
}

// MessageDraft is a message before the store assigns its id and timestamp.
type MessageDraft struct {
	ConversationID    string
	SenderID          string
	Content           string
	MessageType       string
	MediaURL          string
	MediaThumbnailURL string
	ForwardedFrom     string
	OriginalMessageID string
	IsEncrypted       bool
	EncryptedKey      string
	EncryptedIV       string
}

// MessageEdit replaces the body of an existing message.
type MessageEdit struct {
	Content      string
	IsEncrypted  bool
	EncryptedKey string
	EncryptedIV  string
}

// HasEnvelope reports whether both encryption envelope fields are present.
func (m Message) HasEnvelope() bool {
	return m.EncryptedKey != "" && m.EncryptedIV != ""
}

// PageQuery selects one page of history, newest first.
//
// A zero Before selects the latest page. BeforeID breaks ties between
// messages sharing the Before timestamp.
type PageQuery struct {
	Before   int64
	BeforeID string
	Limit    int
}

// Less orders messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// SortAscending sorts messages in place by (CreatedAt, ID).
func SortAscending(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return Less(messages[i], messages[j])
	})
}

// RealtimeHandlers receives change events for one conversation.
type RealtimeHandlers struct {
	OnInsert func(Message)
	OnUpdate func(Message)
	OnDelete func(messageID string)
}
