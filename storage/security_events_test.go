package storage

import (
	"testing"
	"time"

	"chatcore/models"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()
	userID := "user-security"

	if err := store.LogSecurityEvent(models.SecurityEvent{
		EventType:     models.SecurityEventEncryptionFallback,
		SubjectUserID: &userID,
		Details:       `{"message_id":"msg-1"}`,
		Severity:      models.SecuritySeverityWarning,
		Timestamp:     now - 1_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent fallback failed: %v", err)
	}
	if err := store.LogSecurityEvent(models.SecurityEvent{
		EventType:     models.SecurityEventDecryptionFailed,
		SubjectUserID: &userID,
		Details:       `{"message_id":"msg-2","reason":"unwrap"}`,
		Severity:      models.SecuritySeverityCritical,
		Timestamp:     now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent decryption failed: %v", err)
	}

	all, err := store.GetSecurityEvents(SecurityEventFilter{
		SubjectUserID: userID,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 security events, got %d", len(all))
	}
	if all[0].EventType != models.SecurityEventDecryptionFailed {
		t.Fatalf("expected newest event type decryption_failed, got %q", all[0].EventType)
	}
	if all[1].EventType != models.SecurityEventEncryptionFallback {
		t.Fatalf("expected older event type encryption_fallback, got %q", all[1].EventType)
	}

	filtered, err := store.GetSecurityEvents(SecurityEventFilter{
		EventType:     models.SecurityEventEncryptionFallback,
		SubjectUserID: userID,
		Severity:      models.SecuritySeverityWarning,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents filtered failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered security event, got %d", len(filtered))
	}
	if filtered[0].Details != `{"message_id":"msg-1"}` {
		t.Fatalf("unexpected filtered event details: %q", filtered[0].Details)
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogSecurityEvent(models.SecurityEvent{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Severity:  models.SecuritySeverityInfo,
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent old_event failed: %v", err)
	}
	if err := store.LogSecurityEvent(models.SecurityEvent{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Severity:  models.SecuritySeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent new_event failed: %v", err)
	}

	events, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}

func TestSecurityEventsFilterByConversationAndTypeSet(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()
	alice := "alice"

	events := []models.SecurityEvent{
		{EventType: models.SecurityEventEncryptionFallback, ConversationID: "conv-1", Severity: models.SecuritySeverityWarning, Timestamp: now - 3_000},
		{EventType: models.SecurityEventDecryptionFailed, ConversationID: "conv-1", Severity: models.SecuritySeverityWarning, Timestamp: now - 2_000},
		{EventType: models.SecurityEventDecryptionFailed, ConversationID: "conv-2", Severity: models.SecuritySeverityWarning, Timestamp: now - 1_000},
		{EventType: models.SecurityEventKeyInitFailed, SubjectUserID: &alice, Severity: models.SecuritySeverityCritical, Timestamp: now},
	}
	for _, event := range events {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent %q failed: %v", event.EventType, err)
		}
	}

	scoped, err := store.GetSecurityEvents(SecurityEventFilter{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("GetSecurityEvents by conversation failed: %v", err)
	}
	if len(scoped) != 2 || scoped[0].ConversationID != "conv-1" || scoped[1].ConversationID != "conv-1" {
		t.Fatalf("expected the two conv-1 events, got %+v", scoped)
	}

	set, err := store.GetSecurityEvents(SecurityEventFilter{
		EventTypes: []string{models.SecurityEventKeyInitFailed, models.SecurityEventEncryptionFallback},
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents by type set failed: %v", err)
	}
	if len(set) != 2 || set[0].EventType != models.SecurityEventKeyInitFailed || set[1].EventType != models.SecurityEventEncryptionFallback {
		t.Fatalf("unexpected type set result %+v", set)
	}
	if set[0].ConversationID != "" {
		t.Fatalf("expected no conversation on identity event, got %q", set[0].ConversationID)
	}

	summary, err := store.SummarizeSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("SummarizeSecurityEvents failed: %v", err)
	}
	if len(summary) != 3 {
		t.Fatalf("expected 3 summary rows, got %+v", summary)
	}
	top := summary[0]
	if top.EventType != models.SecurityEventDecryptionFailed || top.Count != 2 || top.LastSeen != now-1_000 {
		t.Fatalf("unexpected top summary row %+v", top)
	}

	critical, err := store.SummarizeSecurityEvents(SecurityEventFilter{Severity: models.SecuritySeverityCritical})
	if err != nil {
		t.Fatalf("SummarizeSecurityEvents critical failed: %v", err)
	}
	if len(critical) != 1 || critical[0].EventType != models.SecurityEventKeyInitFailed || critical[0].Count != 1 {
		t.Fatalf("unexpected critical summary %+v", critical)
	}
}
