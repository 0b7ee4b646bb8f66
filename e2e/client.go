// Package e2e wraps a conversation engine with end-to-end encryption.
//
// Outgoing text is encrypted to the recipient's published key when possible
// and sent as plaintext otherwise. Incoming messages are decrypted per
// message; a message that cannot be decrypted is flagged, never dropped.
package e2e

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatcore/crypto"
	"chatcore/engine"
	"chatcore/keystore"
	"chatcore/models"
)

const sentPlaintextPrefix = "e2e_sent_"

// Options configures a Client. RecipientID may be empty for conversations
// without a single known peer; such conversations are always plaintext.
type Options struct {
	Engine      *engine.Engine
	Keys        *keystore.KeyStore
	Storage     keystore.SecureStorage
	Audit       keystore.AuditLog
	UserID      string
	RecipientID string
	Logger      zerolog.Logger
}

// View is the engine snapshot with messages decrypted for display.
type View struct {
	engine.Snapshot
	EncryptionEnabled     bool
	EncryptionInitialized bool
}

// Client is the encryption-aware conversation surface.
type Client struct {
	engine      *engine.Engine
	keys        *keystore.KeyStore
	storage     keystore.SecureStorage
	audit       keystore.AuditLog
	userID      string
	recipientID string
	log         zerolog.Logger

	mu        sync.Mutex
	decrypted map[string]string
	reported  map[string]struct{}
}

// New validates options and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("secure storage is required")
	}
	userID := opts.UserID
	if userID == "" {
		userID = opts.Engine.UserID()
	}

	return &Client{
		engine:      opts.Engine,
		keys:        opts.Keys,
		storage:     opts.Storage,
		audit:       opts.Audit,
		userID:      userID,
		recipientID: opts.RecipientID,
		log: opts.Logger.With().
			Str("component", "e2e").
			Str("conversation_id", opts.Engine.ConversationID()).
			Str("user_id", userID).
			Logger(),
		decrypted: make(map[string]string),
		reported:  make(map[string]struct{}),
	}, nil
}

// SentPlaintextStorageKey is where the sender's own copy of an encrypted
// message is kept.
func SentPlaintextStorageKey(userID, messageID string) string {
	return sentPlaintextPrefix + userID + "_" + messageID
}

// Start initializes the local identity and then starts the engine. Key
// setup failures only disable encryption.
func (c *Client) Start(ctx context.Context) error {
	status := c.keys.EnsureInitialized(ctx, c.userID)
	if !status.Enabled() {
		c.log.Warn().Err(status.Err).Msg("encryption unavailable, conversation will be plaintext")
	}
	return c.engine.Start(ctx)
}

// Dispose tears down the underlying engine.
func (c *Client) Dispose() {
	c.engine.Dispose()
}

// EncryptionEnabled reports whether the local identity is usable. It turns
// false for good if the private key disappears after initialization.
func (c *Client) EncryptionEnabled() bool {
	return c.keys.Verify(c.userID).Enabled()
}

// EncryptionInitialized reports whether identity setup has settled.
func (c *Client) EncryptionInitialized() bool {
	switch c.keys.State(c.userID) {
	case keystore.StateEnabled, keystore.StateDisabled:
		return true
	default:
		return false
	}
}

// RecipientSupportsEncryption checks, without caching, whether the peer has
// published a public key.
func (c *Client) RecipientSupportsEncryption(ctx context.Context) bool {
	if c.recipientID == "" {
		return false
	}
	_, found, err := c.keys.PublicKey(ctx, c.recipientID)
	if err != nil {
		c.log.Debug().Err(err).Str("recipient_id", c.recipientID).Msg("recipient key lookup failed")
		return false
	}
	return found
}

// View returns the current state with decrypted messages.
func (c *Client) View() View {
	return c.view(c.engine.Snapshot())
}

// Watch calls fn with a decrypted view after every engine state change.
func (c *Client) Watch(fn func(View)) func() {
	return c.engine.Watch(func(s engine.Snapshot) {
		fn(c.view(s))
	})
}

func (c *Client) view(s engine.Snapshot) View {
	s.Messages = c.ProcessIncoming(s.Messages)
	return View{
		Snapshot:              s,
		EncryptionEnabled:     c.EncryptionEnabled(),
		EncryptionInitialized: c.EncryptionInitialized(),
	}
}

// ProcessIncoming returns a copy of raw with encrypted messages decrypted.
// Plaintext messages come back with Decrypted false. Encrypted messages that
// cannot be read keep their ciphertext and get DecryptionFailed set.
func (c *Client) ProcessIncoming(raw []models.Message) []models.Message {
	out := make([]models.Message, len(raw))

	var (
		privateKeyLoaded bool
		privateKey       *ecdh.PrivateKey
		keyErr           error
	)

	for i, m := range raw {
		m.Decrypted = false
		m.DecryptionFailed = false
		if !m.IsEncrypted {
			out[i] = m
			continue
		}

		if plaintext, ok := c.cached(m); ok {
			m.Content = plaintext
			m.Decrypted = true
			out[i] = m
			continue
		}

		if !m.HasEnvelope() {
			out[i] = c.markFailed(m, errors.New("missing encryption envelope"))
			continue
		}

		if m.SenderID == c.userID {
			if plaintext, found := c.loadSent(m.ID); found {
				c.remember(m, plaintext)
				m.Content = plaintext
				m.Decrypted = true
				out[i] = m
				continue
			}
		}

		if !privateKeyLoaded {
			privateKeyLoaded = true
			privateKey, keyErr = c.ownPrivateKey()
		}
		if keyErr != nil {
			out[i] = c.markFailed(m, keyErr)
			continue
		}

		plaintext, err := crypto.DecryptMessage(m.Content, m.EncryptedKey, m.EncryptedIV, privateKey)
		if err != nil {
			out[i] = c.markFailed(m, err)
			continue
		}
		c.remember(m, plaintext)
		m.Content = plaintext
		m.Decrypted = true
		out[i] = m
	}
	return out
}

func (c *Client) ownPrivateKey() (*ecdh.PrivateKey, error) {
	key, found, err := c.keys.PrivateKey(c.userID)
	if err == nil && !found {
		err = keystore.ErrKeyMissing
	}
	if err != nil {
		c.keys.Verify(c.userID)
		return nil, engine.NewError("decrypt", engine.ErrIdentity, err)
	}
	return key, nil
}

func (c *Client) markFailed(m models.Message, cause error) models.Message {
	m.Decrypted = false
	m.DecryptionFailed = true

	c.mu.Lock()
	_, seen := c.reported[m.ID]
	c.reported[m.ID] = struct{}{}
	c.mu.Unlock()

	if !seen {
		c.log.Warn().
			Err(cause).
			Str("event", models.SecurityEventDecryptionFailed).
			Str("message_id", m.ID).
			Str("sender_id", m.SenderID).
			Msg("message could not be decrypted")
		c.record(models.SecurityEventDecryptionFailed, models.SecuritySeverityWarning, m.SenderID, map[string]string{
			"message_id": m.ID,
			"reason":     cause.Error(),
		})
	}
	return m
}

// SendMessage sends content encrypted when possible and as plaintext
// otherwise. Every downgrade is logged and audited.
func (c *Client) SendMessage(ctx context.Context, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return c.engine.SendMessage(ctx, content)
	}

	draft, err := c.encrypt(ctx, content)
	if err != nil {
		c.fallback(err)
		return c.engine.SendMessage(ctx, content)
	}

	// Seeded before the insert so the sender never sees its own ciphertext.
	c.remember(models.Message{Content: draft.Content, EncryptedKey: draft.EncryptedKey}, content)
	message, err := c.engine.Send(ctx, draft)
	if err != nil {
		if errors.Is(err, engine.ErrValidation) || errors.Is(err, engine.ErrDisposed) {
			return models.Message{}, err
		}
		c.fallback(engine.NewError("send_encrypted", engine.ErrEncryptionUnavailable, err))
		return c.engine.SendMessage(ctx, content)
	}

	c.keepSent(message, content)
	return message, nil
}

// EditMessage replaces the text of one of the local user's messages,
// encrypting the new text under the same rules as SendMessage.
func (c *Client) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return c.engine.EditMessage(ctx, id, content)
	}

	draft, err := c.encrypt(ctx, content)
	if err != nil {
		c.fallback(err)
		return c.engine.EditMessage(ctx, id, content)
	}

	message, err := c.engine.Edit(ctx, id, models.MessageEdit{
		Content:      draft.Content,
		IsEncrypted:  true,
		EncryptedKey: draft.EncryptedKey,
		EncryptedIV:  draft.EncryptedIV,
	})
	if err != nil {
		return models.Message{}, err
	}
	c.keepSent(message, content)
	return message, nil
}

// encrypt prepares an encrypted draft or returns an ErrEncryptionUnavailable
// error naming why it could not.
func (c *Client) encrypt(ctx context.Context, content string) (models.MessageDraft, error) {
	if !c.EncryptionEnabled() {
		return models.MessageDraft{}, engine.NewError("encrypt", engine.ErrEncryptionUnavailable, errors.New("local identity not initialized"))
	}
	if c.recipientID == "" {
		return models.MessageDraft{}, engine.NewError("encrypt", engine.ErrEncryptionUnavailable, errors.New("no recipient for conversation"))
	}

	recipientKey, found, err := c.keys.PublicKey(ctx, c.recipientID)
	if err != nil {
		return models.MessageDraft{}, engine.NewError("encrypt", engine.ErrEncryptionUnavailable, err)
	}
	if !found {
		return models.MessageDraft{}, engine.NewError("encrypt", engine.ErrEncryptionUnavailable, fmt.Errorf("recipient %q has no published key", c.recipientID))
	}

	payload, err := crypto.EncryptMessage(content, recipientKey)
	if err != nil {
		return models.MessageDraft{}, engine.NewError("encrypt", engine.ErrEncryptionUnavailable, err)
	}

	return models.MessageDraft{
		Content:      payload.Ciphertext,
		MessageType:  models.MessageTypeText,
		IsEncrypted:  true,
		EncryptedKey: payload.WrappedKey,
		EncryptedIV:  payload.IV,
	}, nil
}

func (c *Client) fallback(reason error) {
	c.log.Warn().
		Err(reason).
		Str("event", models.SecurityEventEncryptionFallback).
		Str("recipient_id", c.recipientID).
		Msg("sending as plaintext")
	c.record(models.SecurityEventEncryptionFallback, models.SecuritySeverityWarning, c.recipientID, map[string]string{
		"conversation_id": c.engine.ConversationID(),
		"reason":          reason.Error(),
	})
}

// SendMediaMessage uploads and sends an attachment. Attachments are not
// encrypted.
func (c *Client) SendMediaMessage(ctx context.Context, file engine.MediaFile, caption string) (models.Message, error) {
	return c.engine.SendMediaMessage(ctx, file, caption)
}

// ForwardMessage copies a message into another conversation. Encrypted
// originals are forwarded as their decrypted plaintext.
func (c *Client) ForwardMessage(ctx context.Context, originalID, targetConversationID string) (models.Message, error) {
	original, err := c.engine.GetMessage(ctx, originalID)
	if err != nil {
		return models.Message{}, err
	}
	if !original.IsEncrypted {
		return c.engine.ForwardCopy(ctx, original, targetConversationID)
	}

	readable := c.ProcessIncoming([]models.Message{original})[0]
	if !readable.Decrypted {
		return models.Message{}, engine.NewError("forward", engine.ErrDecryption, crypto.ErrDecryption)
	}
	readable.IsEncrypted = false
	readable.EncryptedKey = ""
	readable.EncryptedIV = ""
	return c.engine.ForwardCopy(ctx, readable, targetConversationID)
}

// DeleteMessage deletes one of the local user's messages.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.engine.DeleteMessage(ctx, id)
}

// LoadOlder loads the previous page of history.
func (c *Client) LoadOlder(ctx context.Context) error {
	return c.engine.LoadOlder(ctx)
}

// Refresh reloads the latest page.
func (c *Client) Refresh(ctx context.Context) error {
	return c.engine.Refresh(ctx)
}

// Flush merges buffered realtime messages immediately.
func (c *Client) Flush() {
	c.engine.Flush()
}

func (c *Client) keepSent(message models.Message, plaintext string) {
	c.remember(message, plaintext)
	if err := c.storage.Set(SentPlaintextStorageKey(c.userID, message.ID), plaintext); err != nil {
		c.log.Warn().Err(err).Str("message_id", message.ID).Msg("persist sent plaintext")
	}
}

func (c *Client) loadSent(messageID string) (string, bool) {
	plaintext, found, err := c.storage.Get(SentPlaintextStorageKey(c.userID, messageID))
	if err != nil {
		c.log.Warn().Err(err).Str("message_id", messageID).Msg("read sent plaintext")
		return "", false
	}
	return plaintext, found
}

// Decryptions are keyed by ciphertext, which is unique per message, so an
// edit with new ciphertext is decrypted again.
func cacheKey(m models.Message) string {
	return m.EncryptedKey + "\x00" + m.Content
}

func (c *Client) cached(m models.Message) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	plaintext, ok := c.decrypted[cacheKey(m)]
	return plaintext, ok
}

func (c *Client) remember(m models.Message, plaintext string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decrypted[cacheKey(m)] = plaintext
	delete(c.reported, m.ID)
}

func (c *Client) record(eventType, severity, subject string, details map[string]string) {
	if c.audit == nil {
		return
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}

	event := models.SecurityEvent{
		EventType:      eventType,
		ConversationID: c.engine.ConversationID(),
		Details:        string(raw),
		Severity:       severity,
	}
	if subject != "" {
		event.SubjectUserID = &subject
	}
	if err := c.audit.LogSecurityEvent(event); err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("write security event")
	}
}
