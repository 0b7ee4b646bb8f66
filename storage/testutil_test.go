package storage

import (
	"context"
	"testing"

	"chatcore/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertText(t *testing.T, store *Store, conversationID, senderID, content string) models.Message {
	t.Helper()

	message, err := store.InsertMessage(context.Background(), models.MessageDraft{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("insert message %q: %v", content, err)
	}
	return message
}
